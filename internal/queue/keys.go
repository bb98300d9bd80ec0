package queue

// keys holds the precomputed Redis keys for one named queue. The queue name
// is hash-tagged so all keys of a queue land on the same cluster slot.
type keys struct {
	Pending    string // ZSET, scored by priority+sequence
	Active     string // ZSET, scored by lease deadline (unix seconds)
	Delayed    string // ZSET, scored by earliest run time (unix ms)
	Completed  string // ZSET, scored by retention expiry (unix ms)
	Dead       string // LIST of permanently failed jobs
	DeadExpiry string // ZSET indexing dead members by purge time (unix ms)
	Seq        string // counter for FIFO tie-breaking within a priority
}

func keysFor(q string) keys {
	prefix := "relay:{" + q + "}:"
	return keys{
		Pending:    prefix + "pending",
		Active:     prefix + "active",
		Delayed:    prefix + "delayed",
		Completed:  prefix + "completed",
		Dead:       prefix + "dead",
		DeadExpiry: prefix + "dead_expiry",
		Seq:        prefix + "seq",
	}
}
