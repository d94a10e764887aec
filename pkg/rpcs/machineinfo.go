package rpcs

import "github.com/plptools/psionlink/pkg/attr"

// machineInfoLen is the fixed size of the GET_MACHINE_INFO response
// payload; every field below sits at a bit-exact offset into it.
const machineInfoLen = 256

// MachineInfo is the decoded GET_MACHINE_INFO record. Each field sits
// at a fixed offset into the 256-byte payload.
type MachineInfo struct {
	MachineType int32

	ROMMajor int32
	ROMMinor int32
	ROMBuild int32

	MachineName string

	DisplayWidth  uint32
	DisplayHeight uint32

	MachineUID uint64

	Time uint64

	Country int32

	TZOffset int32
	DSTZones uint32
	HomeZone uint32

	MainBattery struct {
		InsertionTime uint64
		Status        int32
		UsedTime      uint64
		Current       int32
		UsedPower     int32
		Voltage       int32
		MaxVoltage    int32
	}

	BackupBattery struct {
		Status     int32
		Voltage    int32
		MaxVoltage int32
	}

	ExternalPower  bool
	BackupUsedTime uint64

	RAMSize      uint32
	ROMSize      uint32
	RAMMaxFree   uint32
	RAMFree      uint32
	RAMDiskSize  uint32
	RegistrySize uint32

	ROMProgrammable bool
	UILanguage      int32
}

// ProcessInfo is one process reported by QueryDrive: its name, the PID
// parsed from an embedded ".$<pid>" separator (0 when absent), and the
// argument string the device paired with it.
type ProcessInfo struct {
	Name string
	PID  int
	Arg  string
}

// QueryDrive enumerates the processes running on the drive identified
// by drive, with their command-line arguments.
func (c *Client) QueryDrive(drive byte) ([]ProcessInfo, error) {
	body := []byte{drive}
	resp, err := c.command(cmdQueryDrive, body)
	if err != nil {
		return nil, err
	}
	var out []ProcessInfo
	offset := 0
	for offset < resp.Len() {
		rawName := resp.GetString(offset)
		offset += len(rawName) + 1
		if offset > resp.Len() {
			break
		}
		arg := resp.GetString(offset)
		offset += len(arg) + 1

		name, pid := splitProcessName(rawName)
		out = append(out, ProcessInfo{Name: name, PID: pid, Arg: arg})
	}
	return out, nil
}

// splitProcessName separates a raw "name.$pid" string into its process
// name and decimal PID; pid is 0 if the ".$" separator is absent. Like
// strstr, it splits on the first occurrence, so "A.$1.$2" yields
// name="A", pid=1. The PID itself is parsed atoi-style: leading digits
// are consumed and anything after the first non-digit is ignored
// rather than rejecting the whole match. If no digit follows the first
// ".$", raw is returned unchanged as the name with pid 0.
func splitProcessName(raw string) (name string, pid int) {
	idx := -1
	for i := 0; i+1 < len(raw); i++ {
		if raw[i] == '.' && raw[i+1] == '$' {
			idx = i
			break
		}
	}
	if idx < 0 {
		return raw, 0
	}
	name = raw[:idx]
	digits := raw[idx+2:]
	i := 0
	for i < len(digits) && digits[i] >= '0' && digits[i] <= '9' {
		pid = pid*10 + int(digits[i]-'0')
		i++
	}
	if i == 0 {
		return raw, 0
	}
	return name, pid
}

// GetCmdLine returns the command line the device recorded for
// processName.
func (c *Client) GetCmdLine(processName string) (string, error) {
	body := []byte(processName)
	body = append(body, 0)
	resp, err := c.command(cmdGetCmdLine, body)
	if err != nil {
		return "", err
	}
	return resp.GetString(0), nil
}

// GetMachineInfo queries the device's fixed 256-byte machine-info
// record.
func (c *Client) GetMachineInfo() (MachineInfo, error) {
	resp, err := c.command(cmdGetMachineInfo, nil)
	if err != nil {
		return MachineInfo{}, err
	}
	if resp.Len() < machineInfoLen {
		return MachineInfo{}, attr.NewErr(attr.KindCorrupt)
	}

	var mi MachineInfo
	mi.MachineType = int32(resp.GetDWord(0))
	mi.ROMMajor = int32(resp.GetByte(4))
	mi.ROMMinor = int32(resp.GetByte(5))
	mi.ROMBuild = int32(resp.GetByte(6))
	mi.MachineName = nulTrim(resp.GetBytes(16, 16))
	mi.DisplayWidth = resp.GetDWord(32)
	mi.DisplayHeight = resp.GetDWord(36)
	mi.MachineUID = uint64(resp.GetDWord(40)) | uint64(resp.GetDWord(44))<<32
	mi.Time = uint64(resp.GetDWord(48)) | uint64(resp.GetDWord(52))<<32
	mi.Country = int32(resp.GetDWord(56))
	mi.TZOffset = int32(resp.GetDWord(60))
	mi.DSTZones = resp.GetDWord(64)
	mi.HomeZone = resp.GetDWord(68)

	mi.MainBattery.InsertionTime = uint64(resp.GetDWord(72)) | uint64(resp.GetDWord(76))<<32
	mi.MainBattery.Status = int32(resp.GetDWord(80))
	mi.MainBattery.UsedTime = uint64(resp.GetDWord(84)) | uint64(resp.GetDWord(88))<<32
	mi.MainBattery.Current = int32(resp.GetDWord(92))
	mi.MainBattery.UsedPower = int32(resp.GetDWord(96))
	mi.MainBattery.Voltage = int32(resp.GetDWord(100))
	mi.MainBattery.MaxVoltage = int32(resp.GetDWord(104))

	mi.BackupBattery.Status = int32(resp.GetDWord(108))
	mi.BackupBattery.Voltage = int32(resp.GetDWord(112))
	mi.BackupBattery.MaxVoltage = int32(resp.GetDWord(116))

	mi.ExternalPower = resp.GetDWord(120) != 0
	mi.BackupUsedTime = uint64(resp.GetDWord(124)) | uint64(resp.GetDWord(128))<<32

	mi.RAMSize = resp.GetDWord(136)
	mi.ROMSize = resp.GetDWord(140)
	mi.RAMMaxFree = resp.GetDWord(144)
	mi.RAMFree = resp.GetDWord(148)
	mi.RAMDiskSize = resp.GetDWord(152)
	mi.RegistrySize = resp.GetDWord(156)
	mi.ROMProgrammable = resp.GetDWord(160) != 0
	mi.UILanguage = int32(resp.GetDWord(164))

	return mi, nil
}

func nulTrim(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
