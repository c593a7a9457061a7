package chatline

// Dispatcher decodes inbound frames and routes them to registered callbacks.
type Dispatcher struct {
	onUserList func(UserList)
	onMessage  func(ChatMessage)
	onError    func(error)
}

func (d *Dispatcher) SetOnUserList(fn func(UserList))   { d.onUserList = fn }
func (d *Dispatcher) SetOnMessage(fn func(ChatMessage)) { d.onMessage = fn }
func (d *Dispatcher) SetOnError(fn func(error))         { d.onError = fn }

// Dispatch decodes payload and calls at most one callback. Frames that fail
// to decode go to the error callback and nowhere else.
func (d *Dispatcher) Dispatch(payload []byte) {
	ev, err := DecodeFrame(payload)
	if err != nil {
		d.fireError(err)
		return
	}
	switch ev := ev.(type) {
	case UserList:
		if d.onUserList != nil {
			d.onUserList(ev)
		}
	case ChatMessage:
		if d.onMessage != nil {
			d.onMessage(ev)
		}
	}
}

func (d *Dispatcher) fireError(err error) {
	if d.onError != nil && err != nil {
		d.onError(err)
	}
}
