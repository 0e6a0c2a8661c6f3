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

package httputil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSON(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		data       any
		wantStatus int
		wantJSON   string
	}{
		{
			name:       "success with map",
			status:     http.StatusOK,
			data:       map[string]string{"message": "success"},
			wantStatus: http.StatusOK,
			wantJSON:   `{"message":"success"}`,
		},
		{
			name:       "accepted with struct",
			status:     http.StatusAccepted,
			data:       struct{ ID int }{ID: 42},
			wantStatus: http.StatusAccepted,
			wantJSON:   `{"ID":42}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteJSON(w, tt.status, tt.data)

			if w.Code != tt.wantStatus {
				t.Errorf("WriteJSON() status = %v, want %v", w.Code, tt.wantStatus)
			}
			if got := strings.TrimSpace(w.Body.String()); got != tt.wantJSON {
				t.Errorf("WriteJSON() body = %v, want %v", got, tt.wantJSON)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %v", ct)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, http.StatusNotFound, "missing")

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %v", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"error":"missing"}` {
		t.Errorf("body = %v", got)
	}
}

func TestDecodeJSON(t *testing.T) {
	var dst struct {
		Name string `json:"name"`
	}

	req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(`{"name":"a","unknown":1}`))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Fatalf("DecodeJSON() error = %v", err)
	}
	if dst.Name != "a" {
		t.Errorf("name = %v", dst.Name)
	}

	// Empty bodies decode to the zero value.
	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader(""))
	if err := DecodeJSON(req, &dst); err != nil {
		t.Errorf("empty body error = %v", err)
	}

	// Malformed bodies error.
	req = httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("{nope"))
	if err := DecodeJSON(req, &dst); err == nil {
		t.Error("malformed body must error")
	}
}
