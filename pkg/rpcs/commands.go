package rpcs

// Command opcodes for the procedure-service envelope. The values must
// match the assignment on the device side of the link.
const (
	cmdQueryDrive uint16 = iota + 1
	cmdGetCmdLine
	cmdGetMachineInfo
	cmdRegOpenIter
	cmdConfigOpen
	cmdConfigRead
)
