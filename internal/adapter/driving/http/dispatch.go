package http

import (
	"context"
	"fmt"

	"github.com/Wyydra/callroom/internal/core/domain"
	"github.com/Wyydra/callroom/internal/signaling"
)

type requestFunc func(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error)

func (h *Handler) routes() map[signaling.Type]requestFunc {
	return map[signaling.Type]requestFunc{
		signaling.TypeJoinRoom:             h.joinRoom,
		signaling.TypeGetRouterCaps:        h.routerCapabilities,
		signaling.TypeGetExistingProducers: h.existingProducers,
		signaling.TypeCreateTransport:      h.createTransport(domain.DirectionSend),
		signaling.TypeCreateRecvTransport:  h.createTransport(domain.DirectionRecv),
		signaling.TypeTransportConnect:     h.connectTransport(domain.DirectionSend),
		signaling.TypeRecvTransportConnect: h.connectTransport(domain.DirectionRecv),
		signaling.TypeTransportProduce:     h.produce,
		signaling.TypeConsume:              h.consume,
		signaling.TypeCloseProducer:        h.closeProducer,
		signaling.TypeLeaveRoom:            h.leaveRoom,
	}
}

// dispatch runs one request and builds its response frame. Errors go back to
// the requester only.
func (h *Handler) dispatch(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) signaling.Message {
	fn, ok := h.routes()[req.Type]
	if !ok {
		return signaling.ErrorMessage(req, fmt.Errorf("%w: %q", signaling.ErrUnknownType, req.Type))
	}
	payload, err := fn(ctx, peerID, codec, req)
	if err != nil {
		return signaling.ErrorMessage(req, err)
	}
	resp, err := signaling.NewMessage(codec, req.ID, req.Type, payload)
	if err != nil {
		return signaling.ErrorMessage(req, err)
	}
	return resp
}

var errDraining = fmt.Errorf("%w: server is draining", domain.ErrEngineUnavailable)

func decode(codec signaling.Codec, req signaling.Message, v any) error {
	if err := signaling.DecodeData(codec, req, v); err != nil {
		return fmt.Errorf("%w: %v", signaling.ErrBadRequest, err)
	}
	return nil
}

func (h *Handler) joinRoom(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error) {
	if h.Draining() {
		return nil, errDraining
	}
	var in signaling.JoinRoomRequest
	if err := decode(codec, req, &in); err != nil {
		return nil, err
	}
	res, err := h.CallService.JoinRoom(ctx, peerID, in.RoomID)
	if err != nil {
		return nil, err
	}
	return signaling.JoinRoomResponse{RtpCapabilities: res.RtpCapabilities, Producers: nonNil(res.Producers)}, nil
}

func (h *Handler) routerCapabilities(ctx context.Context, peerID domain.PeerID, _ signaling.Codec, _ signaling.Message) (any, error) {
	caps, err := h.CallService.RouterCapabilities(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return signaling.CapabilitiesResponse{RtpCapabilities: caps}, nil
}

func (h *Handler) existingProducers(ctx context.Context, peerID domain.PeerID, _ signaling.Codec, _ signaling.Message) (any, error) {
	producers, err := h.CallService.ExistingProducers(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return signaling.ProducersResponse{Producers: nonNil(producers)}, nil
}

func (h *Handler) createTransport(dir domain.Direction) requestFunc {
	return func(ctx context.Context, peerID domain.PeerID, _ signaling.Codec, _ signaling.Message) (any, error) {
		return h.CallService.CreateTransport(ctx, peerID, dir)
	}
}

func (h *Handler) connectTransport(dir domain.Direction) requestFunc {
	return func(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error) {
		var in domain.ConnectParams
		if err := decode(codec, req, &in); err != nil {
			return nil, err
		}
		return signaling.Empty{}, h.CallService.ConnectTransport(ctx, peerID, dir, in)
	}
}

func (h *Handler) produce(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error) {
	var in domain.ProduceRequest
	if err := decode(codec, req, &in); err != nil {
		return nil, err
	}
	id, err := h.CallService.Produce(ctx, peerID, in)
	if err != nil {
		return nil, err
	}
	return signaling.ProduceResponse{ID: id}, nil
}

func (h *Handler) consume(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error) {
	var in signaling.ConsumeRequest
	if err := decode(codec, req, &in); err != nil {
		return nil, err
	}
	return h.CallService.Consume(ctx, peerID, in.ProducerID, in.RtpCapabilities)
}

func (h *Handler) closeProducer(ctx context.Context, peerID domain.PeerID, codec signaling.Codec, req signaling.Message) (any, error) {
	var in signaling.CloseProducerRequest
	if err := decode(codec, req, &in); err != nil {
		return nil, err
	}
	return signaling.Empty{}, h.CallService.CloseProducer(ctx, peerID, in.ProducerID)
}

func (h *Handler) leaveRoom(ctx context.Context, peerID domain.PeerID, _ signaling.Codec, _ signaling.Message) (any, error) {
	return signaling.Empty{}, h.CallService.Leave(ctx, peerID)
}

func nonNil(p []domain.ProducerInfo) []domain.ProducerInfo {
	if p == nil {
		return []domain.ProducerInfo{}
	}
	return p
}
