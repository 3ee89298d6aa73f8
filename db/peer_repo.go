package db

import (
	"fmt"
	"time"

	"github.com/tfkr-ae/snag/domain"
)

var _ domain.PeerRepository = (*Repository)(nil)

type dbPeer struct {
	DeviceID          string    `db:"device_id"`
	ProjectName       string    `db:"project_name"`
	DeviceName        string    `db:"device_name"`
	DeviceDescription string    `db:"device_description"`
	ProjectIcon       []byte    `db:"project_icon"`
	Address           string    `db:"address"`
	Trusted           bool      `db:"trusted"`
	FirstSeen         time.Time `db:"first_seen"`
	LastSeen          time.Time `db:"last_seen"`
}

func fromDomainPeer(peer *domain.Peer) *dbPeer {
	lastSeen := peer.LastSeen
	if lastSeen.IsZero() {
		lastSeen = time.Now()
	}
	firstSeen := peer.FirstSeen
	if firstSeen.IsZero() {
		firstSeen = lastSeen
	}

	return &dbPeer{
		DeviceID:          peer.Device.ID,
		ProjectName:       peer.Project.Name,
		DeviceName:        peer.Device.Name,
		DeviceDescription: peer.Device.Description,
		ProjectIcon:       peer.Project.Icon,
		Address:           peer.Address,
		Trusted:           peer.Trusted,
		FirstSeen:         firstSeen.UTC(),
		LastSeen:          lastSeen.UTC(),
	}
}

func toDomainPeer(row *dbPeer) *domain.Peer {
	return &domain.Peer{
		Device: domain.Device{
			Name:        row.DeviceName,
			Description: row.DeviceDescription,
			ID:          row.DeviceID,
		},
		Project: domain.Project{
			Name: row.ProjectName,
			Icon: row.ProjectIcon,
		},
		Address:   row.Address,
		Trusted:   row.Trusted,
		FirstSeen: row.FirstSeen,
		LastSeen:  row.LastSeen,
	}
}

// UpsertPeer records peer. For a known (device, project) pair the first_seen time is kept
// and every other column is refreshed.
func (repo *Repository) UpsertPeer(peer *domain.Peer) error {
	row := fromDomainPeer(peer)
	query := `INSERT INTO peers (device_id, project_name, device_name, device_description, project_icon,
	              address, trusted, first_seen, last_seen)
	          VALUES (:device_id, :project_name, :device_name, :device_description, :project_icon,
	              :address, :trusted, :first_seen, :last_seen)
	          ON CONFLICT(device_id, project_name) DO UPDATE SET
	              device_name = excluded.device_name,
	              device_description = excluded.device_description,
	              project_icon = excluded.project_icon,
	              address = excluded.address,
	              trusted = excluded.trusted,
	              last_seen = excluded.last_seen`

	_, err := repo.dbConn.NamedExec(query, row)
	if err != nil {
		return fmt.Errorf("upserting peer %s : %w", peer.Device.ID, err)
	}
	return nil
}

// GetPeers returns every known peer, most recently seen first.
func (repo *Repository) GetPeers() ([]*domain.Peer, error) {
	var rows []*dbPeer
	query := `SELECT * FROM peers ORDER BY last_seen DESC, device_id`

	err := repo.dbConn.Select(&rows, query)
	if err != nil {
		return nil, fmt.Errorf("getting peers : %w", err)
	}

	peers := make([]*domain.Peer, len(rows))
	for i, row := range rows {
		peers[i] = toDomainPeer(row)
	}
	return peers, nil
}
