package packet

// ErrorCode is the wire-level status carried in server-to-client responses
// and reply route headers. 0 is success; codes below UserErrorBase are
// reserved for the framework, user codes start at UserErrorBase.
type ErrorCode uint16

const (
	Success ErrorCode = 0

	// Reserved framework codes (1..99).
	SystemError            ErrorCode = 1
	RequestTimeout         ErrorCode = 2
	StageNotFound          ErrorCode = 3
	Unauthorized           ErrorCode = 4
	StageFull              ErrorCode = 5
	UnreachablePeer        ErrorCode = 6
	ShutdownCancel         ErrorCode = 7
	UncheckedContentsError ErrorCode = 8
	JoinRejected           ErrorCode = 9

	// UserErrorBase is the first code available to user stages/controllers.
	UserErrorBase ErrorCode = 100
)

// IsSystem reports whether code belongs to the reserved framework range.
func (c ErrorCode) IsSystem() bool {
	return c != Success && c < UserErrorBase
}

func (c ErrorCode) String() string {
	switch c {
	case Success:
		return "success"
	case SystemError:
		return "system error"
	case RequestTimeout:
		return "request timeout"
	case StageNotFound:
		return "stage not found"
	case Unauthorized:
		return "unauthorized"
	case StageFull:
		return "stage full"
	case UnreachablePeer:
		return "unreachable peer"
	case ShutdownCancel:
		return "shutdown cancel"
	case UncheckedContentsError:
		return "unchecked contents error"
	case JoinRejected:
		return "join rejected"
	default:
		return "user error"
	}
}
