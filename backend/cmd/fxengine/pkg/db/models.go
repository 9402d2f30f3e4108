package db

// Credential purposes recognized by Queries.StoreCredential/GetCredential.
// GroupDBDSN resolves Open Question decision #3 in DESIGN.md: production
// deployments inject the fallback database's own connection string through
// this table instead of a hard-coded default.
const (
	CredentialPurposeGroupDBDSN = "group_db_dsn"
)

// Credential is a row-scan view of the credentials table; secret stays
// encrypted until a caller asks Queries to decrypt it.
type Credential struct {
	ID              string
	Purpose         string
	SecretEncrypted string
	KeyVersion      int
}
