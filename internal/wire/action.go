package wire

// Action is the decision a handler returns for each framed packet. It is a
// closed set of five cases, modeled as a sealed interface: the unexported
// marker method keeps types outside this package from implementing it, and
// the pipe's dispatch switch panics on any case it does not handle rather
// than silently forwarding the packet.
type Action interface {
	isAction()
}

// ActionDrop discards the packet silently.
type ActionDrop struct{}

func (ActionDrop) isAction() {}

// ActionForward sends the original packet bytes to the opposite side.
type ActionForward struct{}

func (ActionForward) isAction() {}

// ActionMutate sends Packet instead of the original to the opposite side.
type ActionMutate struct {
	Packet Packet
}

func (ActionMutate) isAction() {}

// ActionRespond sends Packets back to the side that produced the triggering
// packet, without forwarding the trigger itself.
type ActionRespond struct {
	Packets []Packet
}

func (ActionRespond) isAction() {}

// ActionError constructs a standard MySQL error packet and sends it back to
// the originating side, without forwarding the trigger.
type ActionError struct {
	Code  uint16
	State [5]byte
	Msg   string
}

func (ActionError) isAction() {}
