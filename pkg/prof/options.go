package prof

// Options names the output file of each profile to record. Empty paths
// are skipped.
type Options struct {
	CPU   string
	Heap  string
	Mutex string
	Block string
}

// Empty reports whether no profile is requested.
func (o Options) Empty() bool {
	return o == Options{}
}
