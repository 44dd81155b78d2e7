package relstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/pg-pooling/bouncerop/pkg/config"
)

// RelationID identifies one relation instance: the relation name
// ("backend-database", "db", "db-admin") plus the numeric id the
// hosting runtime assigned.
type RelationID struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

func (r RelationID) String() string {
	return fmt.Sprintf("%s:%d", r.Name, r.ID)
}

// Identity is this operator process within the deployment.
type Identity struct {
	App   string
	Unit  string
	Model string
}

// Store is the eventually-consistent shared state both controllers
// read and write: per-relation databags keyed by participant (an app
// name or a "app/N" unit name), plus the app-wide peer KV used to
// hand off generated passwords and breaking flags between processes.
//
// Missing keys are not errors: Get returns ("", false, nil). A value
// written here may only become visible to peers on a later
// notification, so all readers tolerate absence.
type Store interface {
	AddRelation(ctx context.Context, rel RelationID, remoteApp string) error
	RemoveRelation(ctx context.Context, rel RelationID) error
	Relations(ctx context.Context, name string) ([]RelationID, error)
	RemoteApp(ctx context.Context, rel RelationID) (string, error)

	JoinUnit(ctx context.Context, rel RelationID, unit string) error
	DepartUnit(ctx context.Context, rel RelationID, unit string) error
	Units(ctx context.Context, rel RelationID) ([]string, error)

	Get(ctx context.Context, rel RelationID, participant string, key string) (string, bool, error)
	SetBag(ctx context.Context, rel RelationID, participant string, kv map[string]string) error
	DeleteKey(ctx context.Context, rel RelationID, participant string, key string) error

	PeerGet(ctx context.Context, key string) (string, bool, error)
	PeerSet(ctx context.Context, key string, value string) error
	PeerDelete(ctx context.Context, key string) error
}

func NewStore(storeType string) (Store, error) {
	switch storeType {
	case "etcd":
		return NewEtcdStore(config.OperatorConfig().StoreAddr)
	case "mem":
		return RestoreMemStore(config.OperatorConfig().StoreBackupPath)
	default:
		return nil, fmt.Errorf("store implementation %s is invalid", storeType)
	}
}

// IsUnit reports whether a participant name denotes a unit rather
// than an application.
func IsUnit(participant string) bool {
	return strings.Contains(participant, "/")
}

// UnitApp returns the application a unit participant belongs to.
func UnitApp(unit string) string {
	app, _, _ := strings.Cut(unit, "/")
	return app
}

// UpdateBags writes kv into this unit's bag and, only when leader,
// into the app-wide bag. A non-leader writer never touches the
// app-wide instance.
func UpdateBags(ctx context.Context, s Store, rel RelationID, id Identity, leader bool, kv map[string]string) error {
	if err := s.SetBag(ctx, rel, id.Unit, kv); err != nil {
		return err
	}
	if leader {
		return s.SetBag(ctx, rel, id.App, kv)
	}
	return nil
}
