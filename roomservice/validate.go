package roomservice

// validRoomID reports whether id matches the room id grammar
// [A-Za-z0-9_:.-]+ (spec §9 OQ2), via a direct byte scan rather than
// regexp: this runs on every HTTP request and WebSocket upgrade, and the
// alphabet is tiny and fixed, so a scanner avoids both the compiled-regexp
// indirection and its allocation on every call.
func validRoomID(id string) bool {
	if len(id) == 0 {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == ':' || c == '.' || c == '-':
		default:
			return false
		}
	}
	return true
}
