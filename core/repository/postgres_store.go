package repository

// PostgresStore is the JobStore backed by the shared Postgres database
type PostgresStore struct {
	*JobRepository
	*MetricsRepository
	*LedgerRepository
	*ArtifactRepository
	*EventRepository
}

// NewPostgresStore wires the per-table repositories over one pool
func NewPostgresStore(db *DB) *PostgresStore {
	return &PostgresStore{
		JobRepository:      NewJobRepository(db),
		MetricsRepository:  NewMetricsRepository(db),
		LedgerRepository:   NewLedgerRepository(db),
		ArtifactRepository: NewArtifactRepository(db),
		EventRepository:    NewEventRepository(db),
	}
}

var _ JobStore = (*PostgresStore)(nil)
