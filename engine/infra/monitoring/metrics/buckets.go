package metrics

// TaskDurationBuckets covers quick shell steps up to multi-hour batch jobs, in seconds.
var TaskDurationBuckets = []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600, 14400, 43200}

// RunDurationBuckets covers whole pipeline runs, in seconds.
var RunDurationBuckets = []float64{1, 10, 60, 300, 900, 3600, 14400, 43200, 86400}
