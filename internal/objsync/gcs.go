// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package objsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore implements ObjectStore over a Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
}

// NewGCSStore opens a bucket handle. A non-nil token source narrows the
// credential to the per-stream token; nil falls back to the ambient
// identity. The advertised permissions are never widened either way.
func NewGCSStore(ctx context.Context, bucketName string, ts oauth2.TokenSource) (*GCSStore, error) {
	var opts []option.ClientOption
	if ts != nil {
		opts = append(opts, option.WithTokenSource(ts))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}

	return &GCSStore{
		client: client,
		bucket: client.Bucket(bucketName),
	}, nil
}

// Close releases the underlying client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

// List returns all objects under prefix. A missing bucket lists as empty.
func (s *GCSStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo

	it := s.bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			if isNotFound(err) {
				return nil, nil
			}
			return nil, mapStoreError(err)
		}
		objects = append(objects, ObjectInfo{
			Name:       attrs.Name,
			Generation: attrs.Generation,
			Size:       attrs.Size,
		})
	}
	return objects, nil
}

// Download opens the object for reading.
func (s *GCSStore) Download(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error) {
	r, err := s.bucket.Object(name).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ObjectInfo{}, ErrObjectNotFound
		}
		return nil, ObjectInfo{}, mapStoreError(err)
	}

	info := ObjectInfo{
		Name:       name,
		Generation: r.Attrs.Generation,
		Size:       r.Attrs.Size,
	}
	return r, info, nil
}

// Upload writes the object under a generation precondition.
func (s *GCSStore) Upload(ctx context.Context, name string, r io.Reader, ifGenerationMatch int64) (ObjectInfo, error) {
	obj := s.bucket.Object(name)
	if ifGenerationMatch > 0 {
		obj = obj.If(storage.Conditions{GenerationMatch: ifGenerationMatch})
	} else {
		obj = obj.If(storage.Conditions{DoesNotExist: true})
	}

	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return ObjectInfo{}, mapStoreError(err)
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, mapStoreError(err)
	}

	attrs := w.Attrs()
	return ObjectInfo{
		Name:       attrs.Name,
		Generation: attrs.Generation,
		Size:       attrs.Size,
	}, nil
}

// mapStoreError converts API failures into the engine's error taxonomy.
func mapStoreError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusPreconditionFailed:
			return ErrPreconditionFailed
		case http.StatusForbidden, http.StatusUnauthorized:
			return ErrPermission
		case http.StatusNotFound:
			return ErrObjectNotFound
		}
	}
	return err
}

func isNotFound(err error) bool {
	if errors.Is(err, storage.ErrBucketNotExist) || errors.Is(err, storage.ErrObjectNotExist) {
		return true
	}
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}
