package wire

// Body types and constructors for every MessageType named in §4.G and the
// ListVaults/RemoveVault extension (SPEC_FULL.md §3).

// ValidateConnectionRequestBody carries no fields: its arrival is itself the
// signal that a fresh connection wants to identify as a client.
type ValidateConnectionRequestBody struct{}

// NewValidateConnectionRequest builds the client's opening handshake frame.
func NewValidateConnectionRequest() (*WrapperMessage, error) {
	return Wrap(TypeValidateConnectionRequest, &ValidateConnectionRequestBody{})
}

// ChallengeBody carries the supervisor's random challenge, length in
// [constants.ChallengeMinLen, constants.ChallengeMaxLen).
type ChallengeBody struct {
	Challenge []byte `cbor:"challenge"`
}

// NewChallenge builds the supervisor's reply to ValidateConnectionRequest.
func NewChallenge(challenge []byte) (*WrapperMessage, error) {
	return Wrap(TypeChallenge, &ChallengeBody{Challenge: challenge})
}

// ChallengeResponseBody carries the client's MAID public key and its
// signature over the challenge, per §4.G.
type ChallengeResponseBody struct {
	PublicMaidName []byte `cbor:"public_maid_name"`
	PublicMaidKey  []byte `cbor:"public_maid_key"`
	Signature      []byte `cbor:"signature"`
}

// NewChallengeResponse builds the client's proof-of-identity reply.
func NewChallengeResponse(publicMaidName, publicMaidKey, signature []byte) (*WrapperMessage, error) {
	return Wrap(TypeChallengeResponse, &ChallengeResponseBody{
		PublicMaidName: publicMaidName,
		PublicMaidKey:  publicMaidKey,
		Signature:      signature,
	})
}

// StartVaultRequestBody requests a fresh vault be spawned under label.
// VaultDir and MaxDiskUsage are optional overrides. PmidListIndex is
// carried on the wire, but internal/supervisor does not read it: every new
// vault gets a freshly generated PMID.
type StartVaultRequestBody struct {
	Label         string `cbor:"label"`
	VaultDir      string `cbor:"vault_dir,omitempty"`
	MaxDiskUsage  uint64 `cbor:"max_disk_usage,omitempty"`
	PmidListIndex *int   `cbor:"pmid_list_index,omitempty"`
}

// NewStartVaultRequest builds a StartVaultRequest frame.
func NewStartVaultRequest(label, vaultDir string, maxDiskUsage uint64, pmidListIndex *int) (*WrapperMessage, error) {
	return Wrap(TypeStartVaultRequest, &StartVaultRequestBody{
		Label:         label,
		VaultDir:      vaultDir,
		MaxDiskUsage:  maxDiskUsage,
		PmidListIndex: pmidListIndex,
	})
}

// TakeOwnershipRequestBody requests an existing vault (by label) be moved to
// vaultDir and/or have its disk quota changed.
type TakeOwnershipRequestBody struct {
	Label        string `cbor:"label"`
	VaultDir     string `cbor:"vault_dir"`
	MaxDiskUsage uint64 `cbor:"max_disk_usage"`
}

// NewTakeOwnershipRequest builds a TakeOwnershipRequest frame.
func NewTakeOwnershipRequest(label, vaultDir string, maxDiskUsage uint64) (*WrapperMessage, error) {
	return Wrap(TypeTakeOwnershipRequest, &TakeOwnershipRequestBody{
		Label:        label,
		VaultDir:     vaultDir,
		MaxDiskUsage: maxDiskUsage,
	})
}

// VaultRunningResponseBody reports the outcome of StartVault/TakeOwnership.
// PmidAndSigner, when present, is the CBOR encoding of the vault's
// PMID+ANPMID pair. internal/supervisor never sets it, and sends this
// response only for TakeOwnership and for a failed StartVault.
type VaultRunningResponseBody struct {
	Label         string `cbor:"label"`
	PmidAndSigner []byte `cbor:"pmid_and_signer,omitempty"`
	Error         string `cbor:"error,omitempty"`
}

// NewVaultRunningResponse builds a VaultRunningResponse frame.
func NewVaultRunningResponse(label string, pmidAndSigner []byte, errMsg string) (*WrapperMessage, error) {
	return Wrap(TypeVaultRunningResponse, &VaultRunningResponseBody{
		Label:         label,
		PmidAndSigner: pmidAndSigner,
		Error:         errMsg,
	})
}

// VaultStartedBody is the child's opening handshake, naming its own OS
// process id so the supervisor can match it to a pending spawn.
type VaultStartedBody struct {
	ProcessID int `cbor:"process_id"`
}

// NewVaultStarted builds the child's VaultStarted frame.
func NewVaultStarted(processID int) (*WrapperMessage, error) {
	return Wrap(TypeVaultStarted, &VaultStartedBody{ProcessID: processID})
}

// VaultStartedResponseBody answers VaultStarted with the credentials and
// configuration the child needs to join the network.
type VaultStartedResponseBody struct {
	EncryptedPmid     []byte   `cbor:"encrypted_pmid"`
	ChunkstorePath    string   `cbor:"chunkstore_path"`
	MaxDiskUsage      uint64   `cbor:"max_disk_usage"`
	BootstrapContacts []string `cbor:"bootstrap_contacts,omitempty"`
}

// NewVaultStartedResponse builds the supervisor's reply to VaultStarted.
func NewVaultStartedResponse(encryptedPmid []byte, chunkstorePath string, maxDiskUsage uint64, bootstrapContacts []string) (*WrapperMessage, error) {
	return Wrap(TypeVaultStartedResponse, &VaultStartedResponseBody{
		EncryptedPmid:     encryptedPmid,
		ChunkstorePath:    chunkstorePath,
		MaxDiskUsage:      maxDiskUsage,
		BootstrapContacts: bootstrapContacts,
	})
}

// JoinedNetworkBody carries no fields: its arrival reports that the vault's
// application layer considers itself connected.
type JoinedNetworkBody struct{}

// NewJoinedNetwork builds the child's JoinedNetwork frame.
func NewJoinedNetwork() (*WrapperMessage, error) {
	return Wrap(TypeJoinedNetwork, &JoinedNetworkBody{})
}

// VaultShutdownRequestBody carries no fields: its arrival requests
// cooperative shutdown.
type VaultShutdownRequestBody struct{}

// NewVaultShutdownRequest builds the supervisor's shutdown request.
func NewVaultShutdownRequest() (*WrapperMessage, error) {
	return Wrap(TypeVaultShutdownRequest, &VaultShutdownRequestBody{})
}

// MaxDiskUsageUpdateBody carries a new disk quota for an already-running
// child.
type MaxDiskUsageUpdateBody struct {
	MaxDiskUsage uint64 `cbor:"max_disk_usage"`
}

// NewMaxDiskUsageUpdate builds the supervisor's quota-change notification.
func NewMaxDiskUsageUpdate(maxDiskUsage uint64) (*WrapperMessage, error) {
	return Wrap(TypeMaxDiskUsageUpdate, &MaxDiskUsageUpdateBody{MaxDiskUsage: maxDiskUsage})
}

// LogMessageBody carries a free-form diagnostic string a child asks the
// supervisor to forward to the owning client.
type LogMessageBody struct {
	Message string `cbor:"message"`
}

// NewLogMessage builds a child's LogMessage frame.
func NewLogMessage(message string) (*WrapperMessage, error) {
	return Wrap(TypeLogMessage, &LogMessageBody{Message: message})
}

// ListVaultsRequestBody carries no fields: SPEC_FULL.md §3's administrative
// extension to the client-facing loopback protocol.
type ListVaultsRequestBody struct{}

// NewListVaultsRequest builds a ListVaultsRequest frame.
func NewListVaultsRequest() (*WrapperMessage, error) {
	return Wrap(TypeListVaultsRequest, &ListVaultsRequestBody{})
}

// VaultSummary is one configured vault's client-visible state.
type VaultSummary struct {
	Label          string `cbor:"label"`
	RequestedToRun bool   `cbor:"requested_to_run"`
	MaxDiskUsage   uint64 `cbor:"max_disk_usage"`
}

// ListVaultsResponseBody answers ListVaultsRequest with every configured
// vault, whatever its owner.
type ListVaultsResponseBody struct {
	Vaults []VaultSummary `cbor:"vaults"`
}

// NewListVaultsResponse builds the supervisor's reply to ListVaultsRequest.
func NewListVaultsResponse(vaults []VaultSummary) (*WrapperMessage, error) {
	return Wrap(TypeListVaultsResponse, &ListVaultsResponseBody{Vaults: vaults})
}

// RemoveVaultRequestBody requests that an existing vault be stopped and its
// config record erased.
type RemoveVaultRequestBody struct {
	Label string `cbor:"label"`
}

// NewRemoveVaultRequest builds a RemoveVaultRequest frame.
func NewRemoveVaultRequest(label string) (*WrapperMessage, error) {
	return Wrap(TypeRemoveVaultRequest, &RemoveVaultRequestBody{Label: label})
}

// RemoveVaultResponseBody reports the outcome of RemoveVaultRequest.
type RemoveVaultResponseBody struct {
	Error string `cbor:"error,omitempty"`
}

// NewRemoveVaultResponse builds the supervisor's reply to RemoveVaultRequest.
func NewRemoveVaultResponse(errMsg string) (*WrapperMessage, error) {
	return Wrap(TypeRemoveVaultResponse, &RemoveVaultResponseBody{Error: errMsg})
}
