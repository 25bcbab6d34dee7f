package fsfacade

// StatfsResult reports aggregate filesystem usage, mirroring gcsfuse's
// fs.go StatFS op (SUPPLEMENTED FEATURES: this core has no remote quota to
// report, so "free" figures are nominal — unbounded, backed by the host
// filesystem underneath the data directory).
type StatfsResult struct {
	Inodes     uint64
	InodesFree uint64
	Files      uint64
}

// Statfs walks the inodes/ directory (lazily, on every call — there is no
// persistent cache to invalidate) and reports the live inode count.
func (f *Facade) Statfs() (StatfsResult, error) {
	defer f.metrics.track("statfs")()
	inos, err := f.store.InodeNumbers()
	if err != nil {
		f.metrics.err("statfs")
		return StatfsResult{}, err
	}
	return StatfsResult{
		Inodes:     uint64(len(inos)),
		InodesFree: ^uint64(0) - uint64(len(inos)),
		Files:      uint64(len(inos)),
	}, nil
}
