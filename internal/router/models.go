package router

import (
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/pkg/state"
)

// codec binds a router to one channel's wire format.
type codec struct {
	channel state.Channel
	decode  func(frame []byte) (kind string, req any, err error)
	// kindOf recovers the kind of a frame that failed to decode so the error
	// reply can still be correlated.
	kindOf   func(frame []byte) string
	errFrame func(kind string, err error) []byte
	// anonymous lists kinds accepted before the connection has an identity.
	anonymous map[string]bool
}

var chatCodec = codec{
	channel: state.ChannelChat,
	decode: func(frame []byte) (string, any, error) {
		req, err := protocol.DecodeChat(frame)
		if err != nil {
			return "", nil, err
		}
		return string(req.Kind()), req, nil
	},
	kindOf:   protocol.KindOf,
	errFrame: protocol.ErrorReply,
	anonymous: map[string]bool{
		string(protocol.KindIdentify):  true,
		string(protocol.KindHeartbeat): true,
	},
}

var signalCodec = codec{
	channel: state.ChannelSignal,
	decode: func(frame []byte) (string, any, error) {
		sig, err := protocol.DecodeSignal(frame)
		if err != nil {
			return "", nil, err
		}
		return string(sig.Event()), sig, nil
	},
	kindOf:   protocol.EventOf,
	errFrame: protocol.SignalError,
	anonymous: map[string]bool{
		string(protocol.EventRegister): true,
	},
}
