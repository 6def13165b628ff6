package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/example/face-gallery/internal/gallery"
	"github.com/example/face-gallery/internal/logging"
)

// RegisterFace enrolls imageBytes under filename, generating a name when
// filename is empty.
func (uc *FaceUseCase) RegisterFace(ctx context.Context, filename string, imageBytes []byte) (gallery.Identity, error) {
	identity, err := uc.enroller.Enroll(ctx, filename, imageBytes)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.register_face", "", err)
		uc.logger.Warn("registration rejected", zap.String("filename", filename), zap.Error(wrapped))
		return gallery.Identity{}, wrapped
	}
	return identity, nil
}

// DeregisterFace removes an identity from the gallery.
func (uc *FaceUseCase) DeregisterFace(ctx context.Context, name string) (gallery.Identity, error) {
	identity, err := uc.enroller.Deregister(ctx, name)
	if err != nil {
		return gallery.Identity{}, logging.NewOperationError("usecase.deregister_face", "", err)
	}
	return identity, nil
}

// ListFaces returns the gallery in enrollment order.
func (uc *FaceUseCase) ListFaces() []gallery.Identity {
	return uc.enroller.List()
}
