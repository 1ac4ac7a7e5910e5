package testutil

import (
	"database/sql/driver"
	"strconv"
	"time"

	"github.com/lib/pq"

	"github.com/Cherry-VM-Studio/Cherry-VM-Studio/pkg/models"
)

// MachineColumns matches the directory store's SELECT column order for
// sqlmock row fixtures.
var MachineColumns = []string{
	"uuid", "name", "title", "description", "tags", "os",
	"vcpu", "ram_max_mib", "boot_timestamp", "created_at", "updated_at",
}

// TestMachine returns a populated machine fixture.
func TestMachine(id string) models.Machine {
	title := "Test machine"
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return models.Machine{
		UUID:      id,
		Name:      "test-vm",
		Title:     &title,
		Tags:      []string{"lab"},
		OS:        "debian12",
		VCPU:      2,
		RAMMax:    2048,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// MachineRow converts a machine into sqlmock row values in MachineColumns
// order.
func MachineRow(m models.Machine) []driver.Value {
	return []driver.Value{
		m.UUID, m.Name, m.Title, m.Description, pq.StringArray(m.Tags), m.OS,
		m.VCPU, m.RAMMax, m.BootTimestamp, m.CreatedAt, m.UpdatedAt,
	}
}

// DomainXML returns a minimal but well-formed domain document for fake
// hypervisor fixtures: one qcow2 system disk on vda and a VNC framebuffer
// on the given port (0 leaves the port unassigned).
func DomainXML(name string, vncPort int) string {
	xml := `<domain type="kvm">
  <name>` + name + `</name>
  <memory unit="MiB">2048</memory>
  <vcpu>2</vcpu>
  <os><type arch="x86_64">hvm</type></os>
  <devices>
    <disk type="file" device="disk">
      <driver name="qemu" type="qcow2"></driver>
      <source file="/var/lib/cherry/disks/` + name + `.qcow2"></source>
      <target dev="vda" bus="virtio"></target>
    </disk>`
	port := "-1"
	if vncPort > 0 {
		port = strconv.Itoa(vncPort)
	}
	xml += `
    <graphics type="vnc" port="` + port + `" autoport="yes"></graphics>
  </devices>
</domain>`
	return xml
}
