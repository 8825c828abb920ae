package sweep

// Job exposes the scheduled callback to tests.
var Job = (*Scheduler).job
