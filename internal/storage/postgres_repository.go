package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"channel-relay/internal/models"
)

const (
	channelColumns = `c.id, c.channel_number, c.name,
		sp.id, sp.name, sp.command, sp.parameters, sp.user_agent, sp.is_active`
	channelFrom = `FROM channels c LEFT JOIN stream_profiles sp ON sp.id = c.stream_profile_id`

	streamsQuery = `SELECT s.id, s.name, s.url, COALESCE(s.custom_url, ''), a.id, a.name
		FROM channel_streams cs
		JOIN streams s ON s.id = cs.stream_id
		JOIN m3u_accounts a ON a.id = s.m3u_account_id
		WHERE cs.channel_id = $1
		ORDER BY cs.position, cs.id`

	profilesQuery = `SELECT id, m3u_account_id, name, is_active, is_default,
		search_pattern, replace_pattern, max_streams
		FROM m3u_account_profiles
		WHERE m3u_account_id = ANY($1)
		ORDER BY m3u_account_id, id`
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pooled, read-only view of the catalog tables.
// The schema is owned by the catalog service.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.AcquireTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.AcquireTimeout)
}

func (r *postgresRepository) ChannelByNumber(ctx context.Context, number int) (models.Channel, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return models.Channel{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	row := conn.QueryRow(ctx, `SELECT `+channelColumns+` `+channelFrom+`
		WHERE c.channel_number = $1 ORDER BY c.id LIMIT 1`, number)
	channel, err := scanChannel(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Channel{}, fmt.Errorf("channel %d: %w", number, ErrNotFound)
	}
	if err != nil {
		return models.Channel{}, fmt.Errorf("load channel %d: %w", number, err)
	}
	if err := loadStreams(ctx, conn.Conn(), &channel); err != nil {
		return models.Channel{}, err
	}
	return channel, nil
}

func (r *postgresRepository) ListChannels(ctx context.Context) ([]models.Channel, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, `SELECT `+channelColumns+` `+channelFrom+` ORDER BY c.channel_number, c.id`)
	if err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	var channels []models.Channel
	for rows.Next() {
		channel, err := scanChannel(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan channel: %w", err)
		}
		channels = append(channels, channel)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list channels: %w", err)
	}
	for i := range channels {
		if err := loadStreams(ctx, conn.Conn(), &channels[i]); err != nil {
			return nil, err
		}
	}
	return channels, nil
}

func scanChannel(row pgx.Row) (models.Channel, error) {
	var (
		channel       models.Channel
		profileID     *int64
		profileName   *string
		command       *string
		parameters    *string
		userAgent     *string
		profileActive *bool
	)
	if err := row.Scan(&channel.ID, &channel.Number, &channel.Name,
		&profileID, &profileName, &command, &parameters, &userAgent, &profileActive); err != nil {
		return models.Channel{}, err
	}
	if profileID != nil {
		channel.StreamProfile = &models.StreamProfile{
			ID:         *profileID,
			Name:       deref(profileName),
			Command:    deref(command),
			Parameters: deref(parameters),
			UserAgent:  deref(userAgent),
			IsActive:   profileActive != nil && *profileActive,
		}
	}
	return channel, nil
}

// loadStreams fills the channel's ordered streams together with each owning
// account and its profiles in stored order.
func loadStreams(ctx context.Context, conn *pgx.Conn, channel *models.Channel) error {
	rows, err := conn.Query(ctx, streamsQuery, channel.ID)
	if err != nil {
		return fmt.Errorf("load streams for channel %d: %w", channel.ID, err)
	}
	var accountIDs []int64
	seen := make(map[int64]bool)
	channel.Streams = nil
	for rows.Next() {
		var stream models.Stream
		if err := rows.Scan(&stream.ID, &stream.Name, &stream.URL, &stream.CustomURL,
			&stream.Account.ID, &stream.Account.Name); err != nil {
			rows.Close()
			return fmt.Errorf("scan stream: %w", err)
		}
		if !seen[stream.Account.ID] {
			seen[stream.Account.ID] = true
			accountIDs = append(accountIDs, stream.Account.ID)
		}
		channel.Streams = append(channel.Streams, stream)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load streams for channel %d: %w", channel.ID, err)
	}
	if len(accountIDs) == 0 {
		return nil
	}

	rows, err = conn.Query(ctx, profilesQuery, accountIDs)
	if err != nil {
		return fmt.Errorf("load account profiles: %w", err)
	}
	profiles := make(map[int64][]models.AccountProfile, len(accountIDs))
	for rows.Next() {
		var (
			profile   models.AccountProfile
			accountID int64
		)
		if err := rows.Scan(&profile.ID, &accountID, &profile.Name, &profile.IsActive, &profile.IsDefault,
			&profile.SearchPattern, &profile.ReplacePattern, &profile.MaxStreams); err != nil {
			rows.Close()
			return fmt.Errorf("scan account profile: %w", err)
		}
		profiles[accountID] = append(profiles[accountID], profile)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load account profiles: %w", err)
	}
	for i := range channel.Streams {
		channel.Streams[i].Account.Profiles = profiles[channel.Streams[i].Account.ID]
	}
	return nil
}

func deref[T any](value *T) T {
	var zero T
	if value == nil {
		return zero
	}
	return *value
}
