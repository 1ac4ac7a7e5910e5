package hypervisor

import (
	"encoding/xml"
	"fmt"
)

// DomainDoc is the subset of the libvirt domain document the control plane
// reads and writes. Unknown elements survive a parse/serialize round trip
// only on documents we built ourselves; live domain XML is parsed, never
// rewritten wholesale.
type DomainDoc struct {
	XMLName     xml.Name     `xml:"domain"`
	Type        string       `xml:"type,attr"`
	Name        string       `xml:"name"`
	UUID        string       `xml:"uuid,omitempty"`
	Title       string       `xml:"title,omitempty"`
	Description string       `xml:"description,omitempty"`
	Memory      MemoryElem   `xml:"memory"`
	VCPU        int          `xml:"vcpu"`
	OS          OSElem       `xml:"os"`
	Devices     DevicesElem  `xml:"devices"`
	Features    *StructElem  `xml:"features,omitempty"`
	OnPoweroff  string       `xml:"on_poweroff,omitempty"`
	OnReboot    string       `xml:"on_reboot,omitempty"`
	OnCrash     string       `xml:"on_crash,omitempty"`
}

// StructElem marks an empty structural element such as <features><acpi/></features>.
type StructElem struct {
	ACPI *struct{} `xml:"acpi,omitempty"`
}

// MemoryElem is the domain memory element.
type MemoryElem struct {
	Unit  string `xml:"unit,attr"`
	Value uint64 `xml:",chardata"`
}

// OSElem is the domain os element.
type OSElem struct {
	Type OSTypeElem `xml:"type"`
}

// OSTypeElem is the os type element.
type OSTypeElem struct {
	Arch  string `xml:"arch,attr,omitempty"`
	Value string `xml:",chardata"`
}

// DevicesElem groups the device definitions.
type DevicesElem struct {
	Disks      []DiskElem      `xml:"disk"`
	Interfaces []InterfaceElem `xml:"interface"`
	Graphics   []GraphicsElem  `xml:"graphics"`
}

// DiskElem is one disk device.
type DiskElem struct {
	Type   string      `xml:"type,attr"`
	Device string      `xml:"device,attr"`
	Driver DriverElem  `xml:"driver"`
	Source SourceElem  `xml:"source"`
	Target TargetElem  `xml:"target"`
}

// DriverElem carries the disk format.
type DriverElem struct {
	Name string `xml:"name,attr"`
	Type string `xml:"type,attr"`
}

// SourceElem points at the backing file.
type SourceElem struct {
	File string `xml:"file,attr,omitempty"`
}

// TargetElem names the guest-visible device.
type TargetElem struct {
	Dev string `xml:"dev,attr"`
	Bus string `xml:"bus,attr,omitempty"`
}

// InterfaceElem is one network interface.
type InterfaceElem struct {
	Type   string            `xml:"type,attr"`
	MAC    *MACElem          `xml:"mac,omitempty"`
	Source *IfaceSourceElem  `xml:"source,omitempty"`
	Model  *IfaceModelElem   `xml:"model,omitempty"`
}

// MACElem is the interface MAC address.
type MACElem struct {
	Address string `xml:"address,attr"`
}

// IfaceSourceElem names the host network.
type IfaceSourceElem struct {
	Network string `xml:"network,attr,omitempty"`
}

// IfaceModelElem names the virtual NIC model.
type IfaceModelElem struct {
	Type string `xml:"type,attr"`
}

// GraphicsElem is the remote framebuffer. Port -1 with autoport means
// libvirt assigns one at boot; the live XML then carries the real port.
type GraphicsElem struct {
	Type     string `xml:"type,attr"`
	Port     int    `xml:"port,attr"`
	Autoport string `xml:"autoport,attr,omitempty"`
	Listen   string `xml:"listen,attr,omitempty"`
}

// ParseDomainXML decodes a domain document.
func ParseDomainXML(doc string) (DomainDoc, error) {
	var d DomainDoc
	if err := xml.Unmarshal([]byte(doc), &d); err != nil {
		return DomainDoc{}, fmt.Errorf("parse domain xml: %w", err)
	}
	return d, nil
}

// BuildDomainXML encodes a domain document for DefineXML.
func BuildDomainXML(d DomainDoc) (string, error) {
	out, err := xml.MarshalIndent(d, "", "  ")
	if err != nil {
		return "", fmt.Errorf("build domain xml: %w", err)
	}
	return string(out), nil
}

// RASPort returns the assigned remote-access port, or nil when the domain
// is down and no port is bound yet.
func (d DomainDoc) RASPort() *int {
	for _, g := range d.Devices.Graphics {
		if g.Port > 0 {
			port := g.Port
			return &port
		}
	}
	return nil
}

// DiskTargets returns the guest device names of all disks, boot disk first.
func (d DomainDoc) DiskTargets() []string {
	targets := make([]string, 0, len(d.Devices.Disks))
	for _, disk := range d.Devices.Disks {
		if disk.Device != "disk" {
			continue // skip cdrom devices
		}
		targets = append(targets, disk.Target.Dev)
	}
	return targets
}
