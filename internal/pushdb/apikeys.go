package pushdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"push-server/internal/model"
	"push-server/internal/store/sqlite"
)

// APIKeyStore maps api keys to applications and provider credentials.
type APIKeyStore struct {
	docs DocStore
}

// NewAPIKeyStore wraps an api-keys collection.
func NewAPIKeyStore(docs DocStore) *APIKeyStore {
	return &APIKeyStore{docs: docs}
}

// Get loads one api key.
func (s *APIKeyStore) Get(ctx context.Context, key string) (model.APIKey, error) {
	doc, err := s.docs.Get(ctx, key)
	if errors.Is(err, sqlite.ErrNotFound) {
		return model.APIKey{}, fmt.Errorf("api key: %w", ErrNotFound)
	}
	if err != nil {
		return model.APIKey{}, err
	}
	var k model.APIKey
	if err := json.Unmarshal(doc.Body, &k); err != nil {
		return model.APIKey{}, fmt.Errorf("decode api key: %w", err)
	}
	return k, nil
}

// Put creates or replaces an api key.
func (s *APIKeyStore) Put(ctx context.Context, k model.APIKey) error {
	if k.APIKey == "" || k.AppID == "" {
		return errors.New("api key: apiKey and appId are required")
	}
	body, err := json.Marshal(&k)
	if err != nil {
		return fmt.Errorf("marshal api key: %w", err)
	}
	for {
		var rev int64
		doc, err := s.docs.Get(ctx, k.APIKey)
		switch {
		case err == nil:
			rev = doc.Rev
		case !errors.Is(err, sqlite.ErrNotFound):
			return err
		}
		_, err = s.docs.Put(ctx, sqlite.Doc{ID: k.APIKey, Rev: rev, Body: body})
		if errors.Is(err, sqlite.ErrConflict) {
			continue
		}
		if err != nil {
			return fmt.Errorf("save api key: %w", err)
		}
		return nil
	}
}
