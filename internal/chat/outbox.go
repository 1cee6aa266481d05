package chat

// outbox holds bytes queued for a peer but not yet accepted by the kernel.
// Bytes leave from the front in the order they were appended.
type outbox struct {
	data []byte
	head int
}

func (o *outbox) Append(p []byte) {
	if o.head > 0 && o.head == len(o.data) {
		o.data = o.data[:0]
		o.head = 0
	}
	o.data = append(o.data, p...)
}

// Bytes returns the unsent bytes. The slice is valid until the next Append or Consume.
func (o *outbox) Bytes() []byte {
	return o.data[o.head:]
}

// Consume drops the first n unsent bytes.
func (o *outbox) Consume(n int) {
	if n <= 0 {
		return
	}
	if n > o.Len() {
		n = o.Len()
	}
	o.head += n

	if o.head == len(o.data) {
		o.data = o.data[:0]
		o.head = 0
		return
	}
	// Compact once the sent prefix dominates the backing array.
	if o.head > len(o.data)/2 {
		o.data = append(o.data[:0], o.data[o.head:]...)
		o.head = 0
	}
}

func (o *outbox) Len() int {
	return len(o.data) - o.head
}
