package parazap

import "fmt"

// Socket types a session may announce in its Socket-Type property.
const (
	REQ    = "REQ"
	REP    = "REP"
	DEALER = "DEALER"
	ROUTER = "ROUTER"
	PUB    = "PUB"
	XPUB   = "XPUB"
	SUB    = "SUB"
	XSUB   = "XSUB"
	PUSH   = "PUSH"
	PULL   = "PULL"
	PAIR   = "PAIR"
)

func validSocketType(st string) bool {
	switch st {
	case REQ, REP, DEALER, ROUTER, PUB, XPUB, SUB, XSUB, PUSH, PULL, PAIR:
		return true
	default:
		return false
	}
}

// Reports whether a local socket of type localType may talk to a remote
// socket of type remoteType.
//
//	       | REQ | REP | DEALER | ROUTER | PUB | XPUB | SUB | XSUB | PUSH | PULL | PAIR |
//	REQ    |     |  *  |        |   *    |     |      |     |      |      |      |      |
//	REP    |  *  |     |   *    |        |     |      |     |      |      |      |      |
//	DEALER |     |  *  |   *    |   *    |     |      |     |      |      |      |      |
//	ROUTER |  *  |     |   *    |   *    |     |      |     |      |      |      |      |
//	PUB    |     |     |        |        |     |      |  *  |  *   |      |      |      |
//	XPUB   |     |     |        |        |     |      |  *  |  *   |      |      |      |
//	SUB    |     |     |        |        |  *  |  *   |     |      |      |      |      |
//	XSUB   |     |     |        |        |  *  |  *   |     |      |      |      |      |
//	PUSH   |     |     |        |        |     |      |     |      |      |  *   |      |
//	PULL   |     |     |        |        |     |      |     |      |  *   |      |      |
//	PAIR   |     |     |        |        |     |      |     |      |      |      |  *   |
func SocketTypesCompatible(localType, remoteType string) bool {
	switch localType + "/" + remoteType {
	case
		"REQ/REP", "REQ/ROUTER", "REP/REQ", "REP/DEALER",
		"DEALER/REP", "DEALER/DEALER", "DEALER/ROUTER",
		"ROUTER/REQ", "ROUTER/DEALER", "ROUTER/ROUTER",
		"PUB/SUB", "PUB/XSUB",
		"XPUB/SUB", "XPUB/XSUB",
		"SUB/PUB", "SUB/XPUB",
		"XSUB/PUB", "XSUB/XPUB",
		"PUSH/PULL",
		"PULL/PUSH",
		"PAIR/PAIR":
		return true
	default:
		return false
	}
}

// Checks the metadata the peer sent during the handshake against the local
// socket type.
func checkRemoteMetadata(localType string, md map[string]string) error {
	remoteType, ok := md["Socket-Type"]
	if !ok {
		return fmt.Errorf("Peer did not specify a socket type.")
	}

	if !SocketTypesCompatible(localType, remoteType) {
		return fmt.Errorf("Socket types are not compatible: %s, %s", localType, remoteType)
	}

	return nil
}
