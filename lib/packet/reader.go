package packet

// Consumer handles one decoded Message. Returning an error does not stop
// the rest of the packet from being dispatched — spec.md §7 "each
// message is an independent recovery boundary" — but it is returned to
// the caller of Reader.Dispatch in aggregate (see DispatchErrors).
type Consumer interface {
	Consume(m Message) error
}

// ConsumerFunc adapts a function to Consumer.
type ConsumerFunc func(m Message) error

func (f ConsumerFunc) Consume(m Message) error { return f(m) }

// Reader dispatches parsed messages to Consumers keyed by message-type
// byte (spec.md §9 "Message dispatch ... Implement as a typed table of
// handler objects").
type Reader struct {
	consumers map[byte]Consumer
}

// NewReader returns an empty Reader; register consumers with Register.
func NewReader() *Reader {
	return &Reader{consumers: make(map[byte]Consumer)}
}

// Register binds a Consumer to a message type. A second Register call
// for the same type replaces the previous consumer.
func (r *Reader) Register(msgType byte, c Consumer) {
	r.consumers[msgType] = c
}

// DispatchErrors collects the per-message consumer errors encountered
// while dispatching one packet.
type DispatchErrors []error

func (e DispatchErrors) Error() string {
	if len(e) == 0 {
		return "packet: no dispatch errors"
	}
	s := e[0].Error()
	for _, err := range e[1:] {
		s += "; " + err.Error()
	}
	return s
}

// Dispatch parses b and hands each message, in arrival order (spec.md
// §5 "messages are processed in arrival order"), to its registered
// consumer. Messages with no registered consumer are silently ignored.
// A parse failure aborts the whole packet (no partial dispatch) and is
// returned directly; per-message consumer errors are collected and
// returned as a DispatchErrors once every message has been offered.
func (r *Reader) Dispatch(b []byte) error {
	p, err := ParsePacket(b)
	if err != nil {
		return err
	}
	var errs DispatchErrors
	for _, m := range p.Messages {
		c, ok := r.consumers[m.Type]
		if !ok {
			continue
		}
		if err := c.Consume(m); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs
	}
	return nil
}
