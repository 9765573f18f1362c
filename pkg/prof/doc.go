// Package prof records pprof profiles around a simulator run.
//
// It is compiled in only with the "profile" build tag:
//
//	go build -tags profile ./cmd/otgsim
//	otgsim run --cpuprofile cpu.prof --mutexprofile mutex.prof scenario.otg
//
// Without the tag [Start] returns a session that records nothing, so
// callers keep their profiling hooks in place at no cost.
//
// A [Session] streams the CPU profile while it runs and writes the
// snapshot profiles (heap, mutex, block) when stopped. Requesting the mutex
// or block profile enables the matching runtime sampling for the lifetime
// of the session; the mutex profile shows contention on the controller
// lock when the executor runs in worker mode.
package prof
