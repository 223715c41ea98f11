//go:build unit

// Copyright 2024 Alexandre Mahdhaoui
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

package imagesource_test

import (
	"testing"

	"github.com/alexandremahdhaoui/kvmcheck/pkg/imagesource"
	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name           string
		image          string
		wantKind       imagesource.Kind
		wantPath       string
		wantSyncSource string
		wantBacking    string
	}{
		{
			name:        "file URL is used directly",
			image:       "file:///tmp/x.img",
			wantKind:    imagesource.KindLocal,
			wantPath:    "/tmp/x.img",
			wantBacking: "/tmp/x.img",
		},
		{
			name:        "file URL with escaped characters",
			image:       "file:///home/u/my%20images/focal.img",
			wantKind:    imagesource.KindLocal,
			wantPath:    "/home/u/my images/focal.img",
			wantBacking: "/home/u/my images/focal.img",
		},
		{
			name:     "file URL without img marker",
			image:    "file:///var/lib/images/focal.qcow2",
			wantKind: imagesource.KindLocal,
			wantPath: "/var/lib/images/focal.qcow2",
		},
		{
			name:           "http location becomes sync source",
			image:          "http://example.com/images/",
			wantKind:       imagesource.KindSync,
			wantPath:       "http://example.com/images/",
			wantSyncSource: "http://example.com/images/",
		},
		{
			name:           "https location becomes sync source",
			image:          "https://cloud-images.ubuntu.com/daily/server/daily/",
			wantKind:       imagesource.KindSync,
			wantPath:       "https://cloud-images.ubuntu.com/daily/server/daily/",
			wantSyncSource: "https://cloud-images.ubuntu.com/daily/server/daily/",
		},
		{
			name:           "ftp location becomes sync source",
			image:          "ftp://mirror.example.com/ubuntu/",
			wantKind:       imagesource.KindSync,
			wantPath:       "ftp://mirror.example.com/ubuntu/",
			wantSyncSource: "ftp://mirror.example.com/ubuntu/",
		},
		{
			name:           "remote img is a sync source and a backing file",
			image:          "http://example.com/focal.img",
			wantKind:       imagesource.KindSync,
			wantPath:       "http://example.com/focal.img",
			wantSyncSource: "http://example.com/focal.img",
			wantBacking:    "http://example.com/focal.img",
		},
		{
			name:           "ftp img is a sync source and a backing file",
			image:          "ftp://m/x.img",
			wantKind:       imagesource.KindSync,
			wantPath:       "ftp://m/x.img",
			wantSyncSource: "ftp://m/x.img",
			wantBacking:    "ftp://m/x.img",
		},
		{
			name:        "bare path syncs and is used as backing file",
			image:       "/srv/images/focal.img",
			wantKind:    imagesource.KindSync,
			wantPath:    "/srv/images/focal.img",
			wantBacking: "/srv/images/focal.img",
		},
		{
			name:     "empty value syncs from the default mirror",
			image:    "",
			wantKind: imagesource.KindSync,
		},
		{
			name:     "unknown scheme falls through to sync",
			image:    "s3://bucket/images",
			wantKind: imagesource.KindSync,
			wantPath: "s3://bucket/images",
		},
		{
			name:     "malformed URL falls through to sync",
			image:    "http://[::1",
			wantKind: imagesource.KindSync,
			wantPath: "http://[::1",
		},
		{
			name:     "img marker at index zero is ignored",
			image:    ".img",
			wantKind: imagesource.KindSync,
			wantPath: ".img",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := imagesource.Parse(tt.image)

			assert.Equal(t, tt.image, src.Raw)
			assert.Equal(t, tt.wantKind, src.Kind)
			assert.Equal(t, tt.wantKind == imagesource.KindSync, src.NeedsSync())
			assert.Equal(t, tt.wantPath, src.Path)
			assert.Equal(t, tt.wantSyncSource, src.SyncSource)
			assert.Equal(t, tt.wantBacking, src.BackingImageFile())
		})
	}
}
