package engine

import (
	"log/slog"

	"github.com/a-essam23/go-courier/internal/call"
	"github.com/a-essam23/go-courier/internal/protocol"
	"github.com/a-essam23/go-courier/pkg/pipeline"
)

// SignalEvents lists every event a client may send on the signaling channel.
var SignalEvents = []protocol.Event{
	protocol.EventRegister,
	protocol.EventCallUser,
	protocol.EventAcceptCall,
	protocol.EventRejectCall,
	protocol.EventIceCandidate,
	protocol.EventEndCall,
}

func (e *Registry) registerSignalActions() {
	e.RegisterAction(string(protocol.EventRegister), e.actionRegister)
	e.RegisterAction(string(protocol.EventCallUser), e.actionCallUser)
	e.RegisterAction(string(protocol.EventAcceptCall), e.actionAcceptCall)
	e.RegisterAction(string(protocol.EventRejectCall), e.actionRejectCall)
	e.RegisterAction(string(protocol.EventIceCandidate), e.actionIceCandidate)
	e.RegisterAction(string(protocol.EventEndCall), e.actionEndCall)
	e.logger.Info("Registered signaling actions", slog.Int("count", len(SignalEvents)))
}

func (e *Registry) actionRegister(c *pipeline.Cargo) error {
	req, err := request[protocol.Register](c)
	if err != nil {
		return err
	}
	if err := e.bind(c, req.UserID); err != nil {
		return err
	}
	reply(c, protocol.SignalFrame(protocol.EventRegistered, protocol.Fields{"userId": req.UserID}))
	return nil
}

func (e *Registry) actionCallUser(c *pipeline.Cargo) error {
	req, err := request[protocol.CallUser](c)
	if err != nil {
		return err
	}
	_, err = e.services.Calls.Initiate(c.Ctx, c.UserID, req, call.Reply(func(frame []byte) { reply(c, frame) }))
	return err
}

func (e *Registry) actionAcceptCall(c *pipeline.Cargo) error {
	req, err := request[protocol.AcceptCall](c)
	if err != nil {
		return err
	}
	return e.services.Calls.Accept(c.Ctx, c.UserID, req.CallID, req.Answer)
}

func (e *Registry) actionRejectCall(c *pipeline.Cargo) error {
	req, err := request[protocol.RejectCall](c)
	if err != nil {
		return err
	}
	return e.services.Calls.Reject(c.Ctx, c.UserID, req.CallID)
}

func (e *Registry) actionIceCandidate(c *pipeline.Cargo) error {
	req, err := request[protocol.IceCandidate](c)
	if err != nil {
		return err
	}
	return e.services.Calls.RelayIce(c.UserID, req.CallID, req.TargetUserID, req.Candidate)
}

func (e *Registry) actionEndCall(c *pipeline.Cargo) error {
	req, err := request[protocol.EndCall](c)
	if err != nil {
		return err
	}
	return e.services.Calls.End(c.Ctx, c.UserID, req.CallID)
}
