package broker

import "fmt"

// OrderStatus is the broker's numeric order state.
type OrderStatus int

const (
	StatusUnreported     OrderStatus = 48
	StatusWaitReporting  OrderStatus = 49
	StatusReported       OrderStatus = 50
	StatusReportedCancel OrderStatus = 51
	StatusPartSuccCancel OrderStatus = 52
	StatusPartCancel     OrderStatus = 53
	StatusCanceled       OrderStatus = 54
	StatusPartSucc       OrderStatus = 55
	StatusSucceeded      OrderStatus = 56
	StatusJunk           OrderStatus = 57
	StatusUnknown        OrderStatus = 255
)

var statusNames = map[OrderStatus]string{
	StatusUnreported:     "未报",
	StatusWaitReporting:  "待报",
	StatusReported:       "已报",
	StatusReportedCancel: "已报待撤",
	StatusPartSuccCancel: "部成待撤",
	StatusPartCancel:     "部撤",
	StatusCanceled:       "已撤",
	StatusPartSucc:       "部成",
	StatusSucceeded:      "已成",
	StatusJunk:           "废单",
	StatusUnknown:        "未知",
}

var statusCodes = map[OrderStatus]string{
	StatusUnreported:     "UNREPORTED",
	StatusWaitReporting:  "WAIT_REPORTING",
	StatusReported:       "REPORTED",
	StatusReportedCancel: "REPORTED_CANCEL",
	StatusPartSuccCancel: "PARTSUCC_CANCEL",
	StatusPartCancel:     "PART_CANCEL",
	StatusCanceled:       "CANCELED",
	StatusPartSucc:       "PART_SUCC",
	StatusSucceeded:      "SUCCEEDED",
	StatusJunk:           "JUNK",
	StatusUnknown:        "UNKNOWN",
}

// Name returns the broker's display name for the status.
func (s OrderStatus) Name() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// String returns the symbolic constant name, e.g. "SUCCEEDED".
func (s OrderStatus) String() string {
	if code, ok := statusCodes[s]; ok {
		return code
	}
	return fmt.Sprintf("STATUS(%d)", int(s))
}

// IsFinal reports whether the status will not change any further.
func (s OrderStatus) IsFinal() bool {
	switch s {
	case StatusPartCancel, StatusCanceled, StatusSucceeded, StatusJunk:
		return true
	}
	return false
}

// IsSuccess reports whether the order completely filled.
func (s OrderStatus) IsSuccess() bool {
	return s == StatusSucceeded
}

// Known reports whether s belongs to the broker taxonomy.
func (s OrderStatus) Known() bool {
	_, ok := statusNames[s]
	return ok
}

// IsFinalCode is IsFinal for a raw integer column value.
func IsFinalCode(code int) bool {
	return OrderStatus(code).IsFinal()
}

// FinalCodes lists the terminal statuses as raw codes, for SQL filters.
var FinalCodes = []int{int(StatusPartCancel), int(StatusCanceled), int(StatusSucceeded), int(StatusJunk)}
