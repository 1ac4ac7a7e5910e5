package hypervisor

import (
	"strings"
	"testing"
)

const liveDomainXML = `<domain type="kvm">
  <name>lab-vm</name>
  <uuid>3f8c</uuid>
  <memory unit="MiB">2048</memory>
  <vcpu>2</vcpu>
  <os><type arch="x86_64">hvm</type></os>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"></driver>
      <source file="/var/lib/cherry/disks/lab-vm.qcow2"></source>
      <target dev="vda" bus="virtio"></target>
    </disk>
    <disk type="file" device="cdrom">
      <driver name="qemu" type="raw"></driver>
      <source file="/var/lib/cherry/iso/debian12.iso"></source>
      <target dev="sda" bus="sata"></target>
    </disk>
    <graphics type="vnc" port="5901" autoport="yes" listen="0.0.0.0"></graphics>
  </devices>
</domain>`

func TestParseDomainXML(t *testing.T) {
	doc, err := ParseDomainXML(liveDomainXML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.Name != "lab-vm" || doc.Type != "kvm" {
		t.Fatalf("unexpected header: %+v", doc)
	}
	if doc.Memory.Value != 2048 || doc.Memory.Unit != "MiB" {
		t.Fatalf("unexpected memory: %+v", doc.Memory)
	}
	if doc.VCPU != 2 {
		t.Fatalf("unexpected vcpu: %d", doc.VCPU)
	}
	if len(doc.Devices.Disks) != 2 {
		t.Fatalf("expected two disk elements, got %d", len(doc.Devices.Disks))
	}
}

func TestRASPort(t *testing.T) {
	doc, err := ParseDomainXML(liveDomainXML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	port := doc.RASPort()
	if port == nil || *port != 5901 {
		t.Fatalf("expected assigned port 5901, got %v", port)
	}

	// Autoport placeholder before boot: no port yet.
	down := strings.Replace(liveDomainXML, `port="5901"`, `port="-1"`, 1)
	doc, err = ParseDomainXML(down)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if doc.RASPort() != nil {
		t.Fatalf("expected nil port while domain is down, got %d", *doc.RASPort())
	}
}

func TestDiskTargetsSkipsCDROM(t *testing.T) {
	doc, err := ParseDomainXML(liveDomainXML)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	targets := doc.DiskTargets()
	if len(targets) != 1 || targets[0] != "vda" {
		t.Fatalf("expected only the system disk, got %v", targets)
	}
}

func TestBuildParseRoundTrip(t *testing.T) {
	in := DomainDoc{
		Type:   "kvm",
		Name:   "round-trip",
		Memory: MemoryElem{Unit: "MiB", Value: 4096},
		VCPU:   4,
		OS:     OSElem{Type: OSTypeElem{Arch: "x86_64", Value: "hvm"}},
		Devices: DevicesElem{
			Disks: []DiskElem{{
				Type:   "file",
				Device: "disk",
				Driver: DriverElem{Name: "qemu", Type: "qcow2"},
				Source: SourceElem{File: "/var/lib/cherry/disks/round-trip.qcow2"},
				Target: TargetElem{Dev: "vda", Bus: "virtio"},
			}},
			Interfaces: []InterfaceElem{{
				Type:   "network",
				Source: &IfaceSourceElem{Network: "default"},
				Model:  &IfaceModelElem{Type: "virtio"},
			}},
			Graphics: []GraphicsElem{{
				Type: "vnc", Port: -1, Autoport: "yes", Listen: "0.0.0.0",
			}},
		},
		Features:   &StructElem{ACPI: &struct{}{}},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
	}

	raw, err := BuildDomainXML(in)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	out, err := ParseDomainXML(raw)
	if err != nil {
		t.Fatalf("parse built document: %v", err)
	}

	if out.Name != in.Name || out.VCPU != in.VCPU || out.Memory.Value != in.Memory.Value {
		t.Fatalf("round trip lost fields: %+v", out)
	}
	if len(out.Devices.Disks) != 1 || out.Devices.Disks[0].Target.Dev != "vda" {
		t.Fatalf("round trip lost disk: %+v", out.Devices.Disks)
	}
	if out.OnPoweroff != "destroy" || out.OnReboot != "restart" {
		t.Fatalf("round trip lost lifecycle actions: %+v", out)
	}
	if out.Features == nil || out.Features.ACPI == nil {
		t.Fatalf("round trip lost acpi feature")
	}
}
