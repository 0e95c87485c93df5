package event

// Record is one entry of a device's offline backlog. Seq is the queue
// position the delivery cursor refers to; records are returned in Seq order.
type Record struct {
	Seq   int64
	Event Event
}
