package consts

// MigrationAdvisoryLockID is the PostgreSQL advisory lock held while schema
// migrations run, so only one daemon or CLI migrates at a time.
const MigrationAdvisoryLockID = 53519871
