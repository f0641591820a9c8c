package service

import (
	"context"
	"fmt"

	"github.com/udisondev/playhouse/internal/packet"
	"github.com/udisondev/playhouse/internal/payload"
)

// StageResult is the decoded answer of a stage-management request.
type StageResult struct {
	// IsCreated reports whether the call instantiated the stage (always
	// true on a successful CreateStage, variable on GetOrCreateStage).
	IsCreated bool
	// IsReconnect reports whether a join rebound an existing actor.
	IsReconnect bool
	// Reply is the user OnCreate reply body, if any.
	Reply []byte
}

// CreateStage asks the play server nid to instantiate stage stageID of
// stageType. The stage's OnCreate sees createPayload; its reply body
// comes back in the result. Creating an id that already exists fails.
func (s *Sender) CreateStage(ctx context.Context, nid packet.Nid, stageType string, stageID int64, createPayload []byte) (StageResult, error) {
	return s.stageRequest(ctx, nid, packet.MsgCreateStage, stageType, stageID, 0, createPayload)
}

// GetOrCreateStage returns the existing stage or follows the create
// path; IsCreated distinguishes the two.
func (s *Sender) GetOrCreateStage(ctx context.Context, nid packet.Nid, stageType string, stageID int64, createPayload []byte) (StageResult, error) {
	return s.stageRequest(ctx, nid, packet.MsgGetOrCreateStage, stageType, stageID, 0, createPayload)
}

// CreateJoinStage creates the stage if absent, then joins accountID to
// it. IsReconnect is true when the account rebound an existing actor.
func (s *Sender) CreateJoinStage(ctx context.Context, nid packet.Nid, stageType string, stageID, accountID int64, createPayload []byte) (StageResult, error) {
	return s.stageRequest(ctx, nid, packet.MsgCreateJoinStage, stageType, stageID, accountID, createPayload)
}

// JoinStage adds accountID to an existing stage as a server-side actor.
func (s *Sender) JoinStage(ctx context.Context, nid packet.Nid, stageID, accountID int64) (StageResult, error) {
	reply, err := s.request(ctx, nid, packet.RouteHeader{
		ServiceId: packet.ServicePlay,
		StageId:   stageID,
		AccountId: accountID,
		IsBase:    true,
	}, packet.NewEmpty(packet.MsgJoinStage))
	if err != nil {
		return StageResult{}, err
	}
	return decodeJoinReply(reply)
}

// CloseStage tells a play server to close a stage. Blocks until the
// close was dispatched.
func (s *Sender) CloseStage(ctx context.Context, nid packet.Nid, stageID int64) error {
	reply, err := s.request(ctx, nid, packet.RouteHeader{
		ServiceId: packet.ServicePlay,
		StageId:   stageID,
		IsBase:    true,
	}, packet.NewEmpty(packet.MsgCloseStage))
	if err != nil {
		return err
	}
	reply.Release()
	return nil
}

func (s *Sender) stageRequest(ctx context.Context, nid packet.Nid, msgID, stageType string, stageID, accountID int64, createPayload []byte) (StageResult, error) {
	if stageType == "" {
		return StageResult{}, fmt.Errorf("stage request %s: empty stage type", msgID)
	}
	// The body serializes lazily when the mesh encoder reads it.
	reply, err := s.request(ctx, nid, packet.RouteHeader{
		ServiceId: packet.ServicePlay,
		StageId:   stageID,
		AccountId: accountID,
		IsBase:    true,
	}, packet.New(msgID, payload.Lazy(&createBody{stageType: stageType, payload: createPayload})))
	if err != nil {
		return StageResult{}, err
	}
	if msgID == packet.MsgCreateJoinStage {
		return decodeJoinReply(reply)
	}
	return decodeCreateReply(reply)
}

// createBody is the stage-management request payload:
// StageType(string) CreatePayload(*).
type createBody struct {
	stageType string
	payload   []byte
}

func (b *createBody) MarshalBinary() ([]byte, error) {
	w := packet.NewWriter(1 + len(b.stageType) + len(b.payload))
	if err := w.WriteString(b.stageType); err != nil {
		return nil, fmt.Errorf("encoding create request: %w", err)
	}
	w.WriteBytes(b.payload)
	return w.Bytes(), nil
}

// decodeCreateReply parses IsCreated(1) UserReply(*).
func decodeCreateReply(p *packet.Packet) (StageResult, error) {
	defer p.Release()
	r := packet.NewReader(p.Data())
	created, err := r.ReadByte()
	if err != nil {
		return StageResult{}, fmt.Errorf("decoding create reply: %w", err)
	}
	body := r.Rest()
	out := make([]byte, len(body))
	copy(out, body)
	return StageResult{IsCreated: created != 0, Reply: out}, nil
}

// decodeJoinReply parses IsReconnect(1).
func decodeJoinReply(p *packet.Packet) (StageResult, error) {
	defer p.Release()
	r := packet.NewReader(p.Data())
	reconnect, err := r.ReadByte()
	if err != nil {
		return StageResult{}, fmt.Errorf("decoding join reply: %w", err)
	}
	return StageResult{IsReconnect: reconnect != 0}, nil
}
