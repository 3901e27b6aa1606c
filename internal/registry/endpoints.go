package registry

const (
	LiFiBaseURL = "https://li.quest/v1"
	// Conventional ERC-4337 v0.6 EntryPoint deployment, identical on every chain.
	DefaultEntryPointAddress = "0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789"
)
