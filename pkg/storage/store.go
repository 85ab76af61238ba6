package storage

import (
	"github.com/ventisec/ventiscan/pkg/types"
)

// Store defines the interface for orchestrator state storage.
// Implemented by the BoltDB-backed store; scans embed their chunks so a
// scan and its partition state persist atomically.
type Store interface {
	// Principals
	CreatePrincipal(p *types.Principal) error
	GetPrincipal(id string) (*types.Principal, error)
	GetPrincipalByLogin(login string) (*types.Principal, error)
	ListPrincipals() ([]*types.Principal, error)
	UpdatePrincipal(p *types.Principal) error
	DeletePrincipal(id string) error

	// Scans
	CreateScan(scan *types.Scan) error
	GetScan(id string) (*types.Scan, error)
	ListScans() ([]*types.Scan, error)
	ListScansByOwner(owner string) ([]*types.Scan, error)
	UpdateScan(scan *types.Scan) error
	DeleteScan(id string) error

	// Utility
	Close() error
}
