// Package reconcile computes what a client must fetch or evict to match
// the server, and answers the selector queries that carry the data.
package reconcile

// Result is the outcome of comparing a remote id set against a local one.
// Plus holds ids to download, Minus ids to evict.
type Result struct {
	Plus  []string
	Minus []string
}

// Empty reports whether both sides already agree.
func (r Result) Empty() bool {
	return len(r.Plus) == 0 && len(r.Minus) == 0
}

// Diff returns remote \ local as Plus and local \ remote as Minus. Each
// side keeps the order of its input.
func Diff(remote, local []string) Result {
	return Result{
		Plus:  subtract(remote, local),
		Minus: subtract(local, remote),
	}
}

func subtract(a, b []string) []string {
	drop := make(map[string]struct{}, len(b))
	for _, s := range b {
		drop[s] = struct{}{}
	}
	var out []string
	seen := make(map[string]struct{}, len(a))
	for _, s := range a {
		if _, ok := drop[s]; ok {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
