/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package vmm

import (
	"fmt"

	"libvirt.org/go/libvirtxml"
)

// parseDomainDisks extracts the disks of a domain XML description as
// returned by virDomainGetXMLDesc.
func parseDomainDisks(domainXML string) ([]Disk, error) {
	var domain libvirtxml.Domain
	if err := domain.Unmarshal(domainXML); err != nil {
		return nil, fmt.Errorf("unmarshal domain XML: %w", err)
	}

	if domain.Devices == nil {
		return nil, nil
	}

	disks := make([]Disk, 0, len(domain.Devices.Disks))
	for _, d := range domain.Devices.Disks {
		disk := Disk{
			Device: d.Device,
			Source: diskSource(d.Source),
		}
		if d.Target != nil {
			disk.Target = d.Target.Dev
		}
		if d.Driver != nil {
			disk.Format = d.Driver.Type
		}
		for bs := d.BackingStore; bs != nil; bs = bs.BackingStore {
			if src := diskSource(bs.Source); src != "" {
				disk.BackingChain = append(disk.BackingChain, src)
			}
		}
		disks = append(disks, disk)
	}

	return disks, nil
}

func diskSource(src *libvirtxml.DomainDiskSource) string {
	switch {
	case src == nil:
		return ""
	case src.File != nil:
		return src.File.File
	case src.Block != nil:
		return src.Block.Dev
	case src.Volume != nil:
		return fmt.Sprintf("%s/%s", src.Volume.Pool, src.Volume.Volume)
	default:
		return ""
	}
}
