package api

// partition reorders s in place so elements for which pred holds come
// first, returning the split index — the two-phase partition spec.md
// §4.8 and §9 describe for broadcast: connected/disconnected first, then
// builtin/plugin among the connected.
func partition(s []*Session, pred func(*Session) bool) int {
	i := 0
	for j := 0; j < len(s); j++ {
		if pred(s[j]) {
			s[i], s[j] = s[j], s[i]
			i++
		}
	}
	return i
}

// isBuiltinSession always holds in this module: §9's guidance to model
// the source's builtin-vs-plugin vtable split as a sum type is honored by
// keeping exactly one concrete Session implementation (plugins are out of
// scope per §1's non-goals), so the second partition below never moves
// anything — it stays as a partition, not a no-op removed from the
// algorithm, so adding a plugin kind later is a predicate change, not a
// broadcast rewrite.
func isBuiltinSession(*Session) bool { return true }

// Broadcast dispatches fn to every connected session in sessions, in two
// in-place partitions (connected/disconnected, then builtin/plugin among
// the connected), and restores sessions to its original order once every
// dispatch has returned.
func Broadcast(sessions []*Session, fn func(*Session)) {
	original := append([]*Session(nil), sessions...)

	nConnected := partition(sessions, func(s *Session) bool { return s.Connected })
	connected := sessions[:nConnected]
	partition(connected, isBuiltinSession)

	for _, s := range connected {
		fn(s)
	}

	copy(sessions, original)
}
