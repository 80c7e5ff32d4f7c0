package api

import (
	"errors"
	"strings"
	"time"
)

// Role is the negotiated role of a connection.
type Role string

const (
	RoleUnclassified   Role = ""
	RoleClient         Role = "Client"
	RoleElevatedClient Role = "ElevatedClient"
	RoleViewer         Role = "Viewer"
	RoleService        Role = "Service"
)

// IsHost tells whether the role produces screen frames.
func (r Role) IsHost() bool { return r == RoleClient || r == RoleElevatedClient }

func (r Role) String() string {
	if r == RoleUnclassified {
		return "Unclassified"
	}
	return string(r)
}

// TransferType tags a raw binary frame announced by BinaryTransferStart.
type TransferType string

const (
	ScreenCapture TransferType = "ScreenCapture"
	FileTransfer  TransferType = "FileTransfer"
)

// Classify is the first message of every connection, it fixes the role.
type Classify struct {
	Header
	Role      Role   `json:"ConnectionType"`
	SessionID string `json:"SessionID,omitempty"`
	Status    string `json:"Status,omitempty"`
}

func (*Classify) Kind() Type { return ConnectionTypeT }

func (m *Classify) validate() error {
	switch m.Role {
	case RoleClient, RoleViewer, RoleService:
	case RoleElevatedClient:
		if strings.TrimSpace(m.SessionID) == "" {
			return errors.New("elevated client without session id")
		}
	default:
		return errors.New("bad connection type " + string(m.Role))
	}
	return nil
}

// SessionAssigned tells a host the code of its freshly created session.
type SessionAssigned struct {
	Header
	SessionID string `json:"SessionID"`
}

func (*SessionAssigned) Kind() Type { return SessionIDT }

type ReadyForViewer struct{ Header }

func (*ReadyForViewer) Kind() Type { return ReadyForViewerT }

// JoinRequest is sent by a viewer with a human-entered session code.
// The relay echoes it back with the Status filled in.
type JoinRequest struct {
	Header
	SessionID string `json:"SessionID"`
	Status    string `json:"Status,omitempty"`
}

func (*JoinRequest) Kind() Type { return ViewerConnectT }

// ElevationRequest asks a service for an elevated interactive client on behalf
// of the viewer RequesterID. The answer travels back with the same type and
// carries the session code of the new elevated client.
type ElevationRequest struct {
	Header
	RequesterID     string `json:"RequesterID"`
	Status          string `json:"Status,omitempty"`
	ClientSessionID string `json:"ClientSessionID,omitempty"`
}

func (*ElevationRequest) Kind() Type { return ElevatedClientT }

func (m *ElevationRequest) validate() error {
	if m.RequesterID == "" {
		return errors.New("no requester id")
	}
	return nil
}

type DesktopSwitch struct {
	Header
	Status string `json:"Status,omitempty"`
}

func (*DesktopSwitch) Kind() Type { return DesktopSwitchT }

type ParticipantList struct {
	Header
	ParticipantList []string `json:"ParticipantList"`
}

func (*ParticipantList) Kind() Type { return ParticipantListT }

type EncryptionStatus struct {
	Header
	Status string `json:"Status"`
	ID     string `json:"ID,omitempty"`
}

func (*EncryptionStatus) Kind() Type { return EncryptionStatusT }

// ImageRequest asks the hosts of a session for the next screen frame.
type ImageRequest struct {
	Header
	RequesterID string `json:"RequesterID,omitempty"`
}

func (*ImageRequest) Kind() Type { return ImageRequestT }

// SAS is a secure attention sequence addressed to a service by MAC address.
type SAS struct {
	Header
	MAC string `json:"MAC"`
}

func (*SAS) Kind() Type { return SASRequestT }

func (m *SAS) validate() error {
	if m.MAC == "" {
		return errors.New("no mac")
	}
	return nil
}

type Heartbeat struct {
	Header
	ComputerName string `json:"ComputerName"`
	LastReboot   string `json:"LastReboot"`
	CurrentUser  string `json:"CurrentUser"`
	MACAddress   string `json:"MACAddress"`
}

func (*Heartbeat) Kind() Type { return HeartbeatT }

// HubDataRequest is a privileged inventory query.
type HubDataRequest struct {
	Header
	Key          string     `json:"Key"`
	Status       string     `json:"Status,omitempty"`
	ComputerList []Computer `json:"ComputerList,omitempty"`
}

func (*HubDataRequest) Kind() Type { return HubDataRequestT }

// BinaryTransferStart announces a raw frame that follows on the same connection.
type BinaryTransferStart struct {
	Header
	TransferType TransferType `json:"TransferType"`
	Sender       string       `json:"Sender,omitempty"`
}

func (*BinaryTransferStart) Kind() Type { return BinaryTransferT }

func (m *BinaryTransferStart) validate() error {
	if m.TransferType == "" {
		return errors.New("no transfer type")
	}
	return nil
}

// Computer is an inventory record of the computer hub.
type Computer struct {
	ID           string    `json:"ID"`
	ComputerName string    `json:"ComputerName"`
	MACAddress   string    `json:"MACAddress"`
	CurrentUser  string    `json:"CurrentUser"`
	LastReboot   string    `json:"LastReboot"`
	LastOnline   time.Time `json:"LastOnline"`
}
