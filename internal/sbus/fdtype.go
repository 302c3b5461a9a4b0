package sbus

// FDType is the role a descriptor plays inside a datagram.
type FDType string

const (
	FDInputObject             FDType = "SBUS_FD_INPUT_OBJECT"
	FDOutputObject            FDType = "SBUS_FD_OUTPUT_OBJECT"
	FDOutputObjectMetadata    FDType = "SBUS_FD_OUTPUT_OBJECT_METADATA"
	FDOutputObjectAndMetadata FDType = "SBUS_FD_OUTPUT_OBJECT_AND_METADATA"
	FDLogger                  FDType = "SBUS_FD_LOGGER"
	FDOutputContainer         FDType = "SBUS_FD_OUTPUT_CONTAINER"
	FDOutputTaskID            FDType = "SBUS_FD_OUTPUT_TASK_ID"
	FDServiceOut              FDType = "SBUS_FD_SERVICE_OUT"
)

var knownFDTypes = map[FDType]struct{}{
	FDInputObject:             {},
	FDOutputObject:            {},
	FDOutputObjectMetadata:    {},
	FDOutputObjectAndMetadata: {},
	FDLogger:                  {},
	FDOutputContainer:         {},
	FDOutputTaskID:            {},
	FDServiceOut:              {},
}

// Valid reports whether t is one of the known roles.
func (t FDType) Valid() bool {
	_, ok := knownFDTypes[t]
	return ok
}

// Kind selects the required descriptor layout of a datagram.
type Kind int

const (
	KindService Kind = iota
	KindExecute
)

func (k Kind) String() string {
	switch k {
	case KindExecute:
		return "execute"
	default:
		return "service"
	}
}

var (
	serviceFDTypes = []FDType{FDServiceOut}
	executeFDTypes = []FDType{
		FDInputObject,
		FDOutputTaskID,
		FDOutputObject,
		FDOutputObjectMetadata,
		FDLogger,
	}
)

// RequiredFDTypes returns the leading role sequence a datagram of kind k must carry.
func RequiredFDTypes(k Kind) []FDType {
	var src []FDType
	if k == KindExecute {
		src = executeFDTypes
	} else {
		src = serviceFDTypes
	}
	out := make([]FDType, len(src))
	copy(out, src)
	return out
}

// KindOf returns the datagram kind used for cmd.
func KindOf(cmd Command) Kind {
	if cmd == CommandExecute {
		return KindExecute
	}
	return KindService
}
