package relstore

import (
	"context"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc"

	retry "github.com/sethvargo/go-retry"

	"github.com/pg-pooling/bouncerop/pkg/boplog"
	"github.com/pg-pooling/bouncerop/pkg/models/boperror"
)

// EtcdStore keeps relation databags and the peer KV in etcd so every
// operator process observes the same shared state.
type EtcdStore struct {
	cli *clientv3.Client
}

var _ Store = &EtcdStore{}

const (
	relationsNamespace = "/relations/"
	peersNamespace     = "/peers/"

	remoteAppNode = "remote_app"
	unitsNode     = "units"
	bagsNode      = "bags"
)

func NewEtcdStore(addr string) (*EtcdStore, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints: []string{addr},
		DialOptions: []grpc.DialOption{ // TODO remove WithInsecure
			grpc.WithInsecure(), //nolint:all
		},
	})
	if err != nil {
		return nil, err
	}

	// probe the endpoint so a dead store surfaces at startup, not on
	// the first hook
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err = retry.Do(ctx, retry.WithMaxRetries(5, retry.NewFibonacci(time.Second)), func(ctx context.Context) error {
		if _, err := cli.Status(ctx, addr); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		_ = cli.Close()
		return nil, err
	}

	boplog.Zero.Debug().
		Str("address", addr).
		Msg("etcdstore: NewEtcdStore")

	return &EtcdStore{
		cli: cli,
	}, nil
}

func (s *EtcdStore) Client() *clientv3.Client {
	return s.cli
}

func relationNodePath(rel RelationID) string {
	return path.Join(relationsNamespace, rel.Name, strconv.Itoa(rel.ID))
}

func remoteAppNodePath(rel RelationID) string {
	return path.Join(relationNodePath(rel), remoteAppNode)
}

func unitNodePath(rel RelationID, unit string) string {
	return path.Join(relationNodePath(rel), unitsNode, unit)
}

func bagKeyNodePath(rel RelationID, participant string, key string) string {
	return path.Join(relationNodePath(rel), bagsNode, participant, key)
}

func peerNodePath(key string) string {
	return path.Join(peersNamespace, key)
}

// ==============================================================================
//                                 RELATIONS
// ==============================================================================

func (s *EtcdStore) AddRelation(ctx context.Context, rel RelationID, remoteApp string) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Str("remote-app", remoteApp).Msg("etcdstore: add relation")
	_, err := s.cli.Put(ctx, remoteAppNodePath(rel), remoteApp)
	return err
}

func (s *EtcdStore) RemoveRelation(ctx context.Context, rel RelationID) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Msg("etcdstore: remove relation")
	_, err := s.cli.Delete(ctx, relationNodePath(rel)+"/", clientv3.WithPrefix())
	return err
}

func (s *EtcdStore) Relations(ctx context.Context, name string) ([]RelationID, error) {
	prefix := path.Join(relationsNamespace, name) + "/"
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}

	seen := map[int]bool{}
	var ids []RelationID
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		idPart, _, _ := strings.Cut(rest, "/")
		id, err := strconv.Atoi(idPart)
		if err != nil || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, RelationID{Name: name, ID: id})
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].ID < ids[j].ID })
	return ids, nil
}

func (s *EtcdStore) RemoteApp(ctx context.Context, rel RelationID) (string, error) {
	resp, err := s.cli.Get(ctx, remoteAppNodePath(rel))
	if err != nil {
		return "", err
	}
	if len(resp.Kvs) == 0 {
		return "", boperror.Newf(boperror.BOP_DOES_NOT_EXIST, "relation %s not found", rel)
	}
	return string(resp.Kvs[0].Value), nil
}

// ==============================================================================
//                                   UNITS
// ==============================================================================

func (s *EtcdStore) JoinUnit(ctx context.Context, rel RelationID, unit string) error {
	_, err := s.cli.Put(ctx, unitNodePath(rel, unit), "1")
	return err
}

func (s *EtcdStore) DepartUnit(ctx context.Context, rel RelationID, unit string) error {
	if _, err := s.cli.Delete(ctx, unitNodePath(rel, unit)); err != nil {
		return err
	}
	_, err := s.cli.Delete(ctx, path.Join(relationNodePath(rel), bagsNode, unit)+"/", clientv3.WithPrefix())
	return err
}

func (s *EtcdStore) Units(ctx context.Context, rel RelationID) ([]string, error) {
	prefix := path.Join(relationNodePath(rel), unitsNode) + "/"
	resp, err := s.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	units := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		units = append(units, strings.TrimPrefix(string(kv.Key), prefix))
	}
	sort.Strings(units)
	return units, nil
}

// ==============================================================================
//                                  DATABAGS
// ==============================================================================

func (s *EtcdStore) Get(ctx context.Context, rel RelationID, participant string, key string) (string, bool, error) {
	resp, err := s.cli.Get(ctx, bagKeyNodePath(rel, participant, key))
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) SetBag(ctx context.Context, rel RelationID, participant string, kv map[string]string) error {
	boplog.Zero.Debug().Str("relation", rel.String()).Str("participant", participant).Msg("etcdstore: update bag")
	for k, v := range kv {
		if _, err := s.cli.Put(ctx, bagKeyNodePath(rel, participant, k), v); err != nil {
			return err
		}
	}
	return nil
}

func (s *EtcdStore) DeleteKey(ctx context.Context, rel RelationID, participant string, key string) error {
	_, err := s.cli.Delete(ctx, bagKeyNodePath(rel, participant, key))
	return err
}

// ==============================================================================
//                                 PEER STORE
// ==============================================================================

func (s *EtcdStore) PeerGet(ctx context.Context, key string) (string, bool, error) {
	resp, err := s.cli.Get(ctx, peerNodePath(key))
	if err != nil {
		return "", false, err
	}
	if len(resp.Kvs) == 0 {
		return "", false, nil
	}
	return string(resp.Kvs[0].Value), true, nil
}

func (s *EtcdStore) PeerSet(ctx context.Context, key string, value string) error {
	boplog.Zero.Debug().Str("key", key).Msg("etcdstore: peer set")
	_, err := s.cli.Put(ctx, peerNodePath(key), value)
	return err
}

func (s *EtcdStore) PeerDelete(ctx context.Context, key string) error {
	_, err := s.cli.Delete(ctx, peerNodePath(key))
	return err
}
