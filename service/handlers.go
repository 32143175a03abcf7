package service

import (
	"context"
	"errors"
	"io/fs"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"

	"gowarp/models"
	"gowarp/network"
	"gowarp/transfer"
)

// warpHandler serves the authenticated Warp service for remotes.
type warpHandler struct {
	s *Service
}

func (h *warpHandler) CheckDuplexConnection(_ context.Context, in *network.LookupName) (*network.HaveDuplex, error) {
	r, ok := h.s.repo.Remote(in.ID)
	if !ok {
		return &network.HaveDuplex{Response: false}, nil
	}
	h.reconnectIfIdle(r)
	return &network.HaveDuplex{Response: hasDuplex(r.Status)}, nil
}

// reconnectIfIdle starts our side of the session when the remote reached us first.
func (h *warpHandler) reconnectIfIdle(r models.Remote) {
	if r.Status.Reconnectable() {
		h.s.connect(r.UUID)
	}
}

func (h *warpHandler) WaitingForDuplex(ctx context.Context, in *network.LookupName) (*network.HaveDuplex, error) {
	if r, ok := h.s.repo.Remote(in.ID); ok {
		h.reconnectIfIdle(r)
	}

	ticker := time.NewTicker(h.s.options.DuplexPollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < h.s.options.DuplexPollAttempts; attempt++ {
		if r, ok := h.s.repo.Remote(in.ID); ok && hasDuplex(r.Status) {
			return &network.HaveDuplex{Response: true}, nil
		}
		select {
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		case <-ticker.C:
		}
	}
	return nil, status.Errorf(codes.DeadlineExceeded, "no duplex connection with %s", in.ID)
}

func hasDuplex(s models.RemoteStatus) bool {
	return s.Is(models.StateConnected) || s.Is(models.StateAwaitingDuplex)
}

func (h *warpHandler) GetRemoteMachineInfo(context.Context, *network.LookupName) (*network.RemoteMachineInfo, error) {
	return &network.RemoteMachineInfo{
		DisplayName: h.s.settings.DisplayName,
		UserName:    h.s.userName,
	}, nil
}

func (h *warpHandler) GetRemoteMachineAvatar(_ *network.LookupName, stream grpc.ServerStreamingServer[network.RemoteMachineAvatar]) error {
	avatar := h.s.avatar
	if len(avatar) == 0 {
		return status.Error(codes.NotFound, "no profile picture")
	}
	for start := 0; start < len(avatar); start += network.ChunkSize {
		end := min(start+network.ChunkSize, len(avatar))
		if err := stream.Send(&network.RemoteMachineAvatar{AvatarChunk: avatar[start:end]}); err != nil {
			return err
		}
	}
	return nil
}

func (h *warpHandler) ProcessTransferOpRequest(_ context.Context, in *network.TransferOpRequest) (*network.VoidType, error) {
	if in.Info == nil {
		return nil, status.Error(codes.InvalidArgument, "missing op info")
	}
	r, ok := h.s.repo.Remote(in.Info.Ident)
	if !ok {
		h.s.logger.Debug("ignoring offer from unknown remote", zap.String("remote", in.Info.Ident))
		return &network.VoidType{}, nil
	}
	if r.HasErrorGroupCode {
		h.s.logger.Debug("ignoring offer from remote with a group code mismatch", zap.String("remote", r.UUID))
		return &network.VoidType{}, nil
	}
	if _, created := h.s.transfers.OnIncoming(r.UUID, in); created {
		h.s.repo.PostStatusMessage("Incoming transfer from " + r.Name())
	}
	return &network.VoidType{}, nil
}

func (h *warpHandler) PauseTransferOp(context.Context, *network.OpInfo) (*network.VoidType, error) {
	return nil, status.Error(codes.Unimplemented, "pausing transfers is not supported")
}

func (h *warpHandler) StartTransfer(in *network.OpInfo, stream grpc.ServerStreamingServer[network.FileChunk]) error {
	worker, ok := h.s.transfers.Lookup(in.Ident, int64(in.Timestamp))
	if !ok {
		h.s.logger.Debug("start requested for unknown transfer",
			zap.String("remote", in.Ident),
			zap.Uint64("timestamp", in.Timestamp))
		return nil
	}

	err := worker.StreamTo(stream.Context(), stream, in.UseCompression)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transfer.ErrInvalidState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, transfer.ErrCancelled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, fs.ErrNotExist):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func (h *warpHandler) CancelTransferOpRequest(_ context.Context, in *network.OpInfo) (*network.VoidType, error) {
	if worker, ok := h.s.transfers.Lookup(in.Ident, int64(in.Timestamp)); ok {
		worker.OnDeclined()
	}
	return &network.VoidType{}, nil
}

func (h *warpHandler) StopTransfer(_ context.Context, in *network.StopInfo) (*network.VoidType, error) {
	if in.Info == nil {
		return nil, status.Error(codes.InvalidArgument, "missing op info")
	}
	if worker, ok := h.s.transfers.Lookup(in.Info.Ident, int64(in.Info.Timestamp)); ok {
		worker.OnStopped(in.Error)
	}
	return &network.VoidType{}, nil
}

func (h *warpHandler) Ping(context.Context, *network.LookupName) (*network.VoidType, error) {
	return &network.VoidType{}, nil
}

// registrationHandler serves the plaintext pairing service on the auth port.
type registrationHandler struct {
	s *Service
}

func (h *registrationHandler) RequestCertificate(context.Context, *network.RegRequest) (*network.RegResponse, error) {
	locked, err := h.s.auth.LockedCertificate()
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &network.RegResponse{LockedCert: locked}, nil
}

func (h *registrationHandler) RegisterService(ctx context.Context, in *network.ServiceRegistration) (*network.ServiceRegistration, error) {
	if in.ServiceID == "" {
		return nil, status.Error(codes.InvalidArgument, "service id is required")
	}
	if in.ServiceID == h.s.settings.ServiceID {
		return nil, status.Error(codes.InvalidArgument, "cannot register with ourselves")
	}

	ip := net.ParseIP(in.IP).To4()
	if ip == nil {
		if p, ok := peer.FromContext(ctx); ok {
			if addr, ok := p.Addr.(*net.TCPAddr); ok {
				ip = addr.IP.To4()
			}
		}
	}
	if ip == nil {
		return nil, status.Error(codes.InvalidArgument, "no IPv4 address for registration")
	}

	h.s.logger.Info("remote registered manually",
		zap.String("remote", in.ServiceID),
		zap.Stringer("ip", ip))
	h.s.registerStatic(in, ip)
	h.s.connect(in.ServiceID)
	return h.s.selfRegistration(), nil
}
