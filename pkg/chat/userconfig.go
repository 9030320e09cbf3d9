package chat

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/threadline/pkg/chatstore"
	"github.com/go-go-golems/threadline/pkg/identity"
)

var ErrFilesUnavailable = errors.New("file storage is not configured")

// GetUserConfig returns the caller's configuration, or the defaults when the
// caller never selected a model. Reading never creates the record.
func (s *Service) GetUserConfig(ctx context.Context, who identity.Identity) (*chatstore.UserConfig, error) {
	cfg, err := s.store.GetUserConfig(ctx, who.ID)
	if err != nil {
		if errors.Is(err, chatstore.ErrUserConfigNotFound) {
			return &chatstore.UserConfig{
				Owner:          who.ID,
				CurrentModel:   s.defaultModel,
				FavoriteModels: []string{},
			}, nil
		}
		return nil, err
	}
	if cfg.CurrentModel == "" {
		cfg.CurrentModel = s.defaultModel
	}
	if cfg.FavoriteModels == nil {
		cfg.FavoriteModels = []string{}
	}
	return cfg, nil
}

func (s *Service) updateUserConfig(ctx context.Context, who identity.Identity, f func(cfg *chatstore.UserConfig)) (*chatstore.UserConfig, error) {
	cfg, err := s.GetUserConfig(ctx, who)
	if err != nil {
		return nil, err
	}
	f(cfg)
	cfg.UpdatedAt = s.now().UTC()
	if err := s.store.PutUserConfig(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SelectModel sets the model used for the caller's next sends.
func (s *Service) SelectModel(ctx context.Context, who identity.Identity, model string) (*chatstore.UserConfig, error) {
	if model == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "model is empty")
	}
	return s.updateUserConfig(ctx, who, func(cfg *chatstore.UserConfig) {
		cfg.CurrentModel = model
	})
}

func (s *Service) ToggleFavoriteModel(ctx context.Context, who identity.Identity, model string) (*chatstore.UserConfig, error) {
	if model == "" {
		return nil, errors.Wrap(ErrInvalidRequest, "model is empty")
	}
	return s.updateUserConfig(ctx, who, func(cfg *chatstore.UserConfig) {
		favorites := []string{}
		found := false
		for _, m := range cfg.FavoriteModels {
			if m == model {
				found = true
				continue
			}
			favorites = append(favorites, m)
		}
		if !found {
			favorites = append(favorites, model)
		}
		cfg.FavoriteModels = favorites
	})
}

func (s *Service) GenerateUploadURL(ctx context.Context, _ identity.Identity) (string, error) {
	if s.files == nil {
		return "", ErrFilesUnavailable
	}
	return s.files.GenerateUploadURL(ctx)
}

// AddAttachment records an uploaded file as belonging to the caller.
func (s *Service) AddAttachment(ctx context.Context, who identity.Identity, storageID string) (*chatstore.Attachment, error) {
	if s.files == nil {
		return nil, ErrFilesUnavailable
	}
	if existing, err := s.store.GetAttachment(ctx, storageID); err == nil {
		if existing.Owner != who.ID {
			return nil, errors.Wrapf(ErrUnauthorized, "attachment %s", storageID)
		}
		return existing, nil
	} else if !errors.Is(err, chatstore.ErrAttachmentNotFound) {
		return nil, err
	}

	md, err := s.files.Metadata(ctx, storageID)
	if err != nil {
		return nil, err
	}
	a := &chatstore.Attachment{
		ID:          md.ID,
		Owner:       who.ID,
		Name:        md.Name,
		Size:        md.Size,
		ContentType: md.ContentType,
		CreatedAt:   md.CreatedAt,
	}
	if err := s.store.PutAttachment(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) ListAttachments(ctx context.Context, who identity.Identity) ([]*chatstore.Attachment, error) {
	return s.store.ListAttachments(ctx, who.ID)
}

func (s *Service) ownedAttachment(ctx context.Context, who identity.Identity, id string) (*chatstore.Attachment, error) {
	a, err := s.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Owner != who.ID {
		return nil, errors.Wrapf(ErrUnauthorized, "attachment %s", id)
	}
	return a, nil
}

func (s *Service) AttachmentURL(ctx context.Context, who identity.Identity, id string) (string, error) {
	if s.files == nil {
		return "", ErrFilesUnavailable
	}
	if _, err := s.ownedAttachment(ctx, who, id); err != nil {
		return "", err
	}
	return s.files.URL(ctx, id)
}

// DeleteAttachments removes the files and their records. Ownership of every
// id is checked before anything is deleted. Messages keep their references,
// which history assembly then skips.
func (s *Service) DeleteAttachments(ctx context.Context, who identity.Identity, ids []string) error {
	for _, id := range ids {
		if _, err := s.ownedAttachment(ctx, who, id); err != nil {
			return err
		}
	}
	for _, id := range ids {
		if s.files != nil {
			if err := s.files.Delete(ctx, id); err != nil {
				log.Warn().Err(err).Str("attachment_id", id).Msg("could not delete file")
			}
		}
		if err := s.store.DeleteAttachment(ctx, id); err != nil && !errors.Is(err, chatstore.ErrAttachmentNotFound) {
			return err
		}
	}
	return nil
}
