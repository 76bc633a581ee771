package protocol

import "fmt"

// Type identifies the kind of a frame.
type Type byte

const (
	TypeRegister      Type = 0x01 // worker -> dispatcher: type&ip&port
	TypeRegisterAck   Type = 0x02 // dispatcher -> worker: handle
	TypeJobRequest    Type = 0x03 // client -> dispatcher: user&type&filename
	TypeWorkerAssign  Type = 0x04 // dispatcher -> client: ip&port
	TypeNoWorker      Type = 0x05 // dispatcher -> client
	TypeJobStart      Type = 0x06 // client -> worker: user&factor&downloadOffset&filename
	TypeJobAccept     Type = 0x07 // worker -> client: status&uploadWritten&downloadWritten
	TypeUploadStart   Type = 0x08 // client -> worker: size&md5
	TypeUploadChunk   Type = 0x09
	TypeChecksumAck   Type = 0x0A // CHECK_OK / CHECK_KO
	TypeMetadata      Type = 0x0B // worker -> client: size&md5
	TypeDownloadChunk Type = 0x0C
	TypeWorkerStatus  Type = 0x0D // worker -> dispatcher: IDLE / BUSY
	TypeFailure       Type = 0x0E // code&reason
	TypeCancel        Type = 0xFF // cancel or logout
)

// TypeLogout shares the cancel code. Which one is meant depends on the connection.
const TypeLogout = TypeCancel

var typeNames = map[Type]string{
	TypeRegister:      "register",
	TypeRegisterAck:   "register_ack",
	TypeJobRequest:    "job_request",
	TypeWorkerAssign:  "worker_assign",
	TypeNoWorker:      "no_worker",
	TypeJobStart:      "job_start",
	TypeJobAccept:     "job_accept",
	TypeUploadStart:   "upload_start",
	TypeUploadChunk:   "upload_chunk",
	TypeChecksumAck:   "checksum_ack",
	TypeMetadata:      "metadata",
	TypeDownloadChunk: "download_chunk",
	TypeWorkerStatus:  "worker_status",
	TypeFailure:       "failure",
	TypeCancel:        "cancel",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%#02x)", byte(t))
}

// Payload literals.
const (
	CheckOK    = "CHECK_OK"
	CheckKO    = "CHECK_KO"
	StatusIdle = "IDLE"
	StatusBusy = "BUSY"
	NoWorker   = "NO_WORKER"
)
