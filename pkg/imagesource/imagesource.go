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

// Package imagesource interprets the image value handed to a VM test.
//
// The value is either a cloud image usable directly as a backing file
// (file:// URL or bare path) or a location for uvt-simplestreams-libvirt to
// sync from. Empty, malformed and unknown-scheme values fall through to a
// plain sync from the default mirror.
package imagesource

import (
	"net/url"
	"strings"
)

// Kind tells how the image is obtained.
type Kind string

const (
	// KindLocal is a cloud image already on disk; no sync is needed.
	KindLocal Kind = "local"
	// KindSync means the image must be synced with simplestreams.
	KindSync Kind = "sync"
)

const imgMarker = ".img"

// remoteSchemes are forwarded to simplestreams as --source.
var remoteSchemes = map[string]struct{}{
	"http":  {},
	"https": {},
	"ftp":   {},
}

// Source is a parsed image value.
type Source struct {
	// Raw is the value as configured.
	Raw string
	// Kind tells whether a sync is needed.
	Kind Kind
	// Path is the working image path: the local path of a file:// URL, the
	// raw value otherwise.
	Path string
	// SyncSource is the mirror passed to simplestreams with --source. It is
	// empty for the default mirror.
	SyncSource string
	// Scheme is the lower-cased URL scheme, empty for bare paths.
	Scheme string
}

// Parse interprets image. It never fails: values that cannot be parsed as a
// URL are treated like an unknown scheme.
func Parse(image string) Source {
	src := Source{
		Raw:  image,
		Kind: KindSync,
		Path: image,
	}

	u, err := url.Parse(image)
	if err != nil {
		return src
	}
	src.Scheme = strings.ToLower(u.Scheme)

	switch {
	case src.Scheme == "file":
		src.Kind = KindLocal
		src.Path = u.Path
	case isRemote(src.Scheme):
		src.SyncSource = image
	}

	return src
}

// NeedsSync reports whether simplestreams must be invoked.
func (s Source) NeedsSync() bool {
	return s.Kind == KindSync
}

// BackingImageFile returns the path to hand to uvt-kvm create as
// --backing-image-file, or "" when the VM should be created from the synced
// simplestreams image. Remote URLs naming a .img file qualify too and are
// also used as sync sources.
func (s Source) BackingImageFile() string {
	if strings.Index(s.Path, imgMarker) > 0 {
		return s.Path
	}
	return ""
}

func isRemote(scheme string) bool {
	_, ok := remoteSchemes[scheme]
	return ok
}
