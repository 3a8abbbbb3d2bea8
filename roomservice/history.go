package roomservice

import (
	"encoding/json"
	"net/http"

	"github.com/manifold-studio/manifold/crdtdoc"
)

// writeHistoryJSON writes changes as the JSON body of GET
// /rooms/{id}/history (spec §4.4: "peer, counter, lamport, length,
// timestamp, deps", sorted by lamport — crdtdoc.Doc.Changes already
// returns them in that order).
func writeHistoryJSON(w http.ResponseWriter, changes []crdtdoc.Change) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(changes); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
