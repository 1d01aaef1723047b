// Package node is the composition root of spec.md §2/§9: it wires the
// Router, Election, Downloader, Worker, and Master together, and recreates
// Worker (and, on promotion, Master) whenever Election reports a new
// winner — never mutating an existing component in place.
package node

// Options is the flat launch-options record of spec.md §9 "Config
// objects": `{verbosity, force_master, spawn_api, api_port, tb_only,
// with_ui, ui_port, ui_host}`. spawn_api/with_ui and their ports are
// retained here even though the HTTP API and UI process themselves are
// out of scope (spec.md §1 Non-goals) — they are still part of the launch
// contract a real deployment configures.
type Options struct {
	Verbosity   int
	ForceMaster bool
	SpawnAPI    bool
	APIPort     int
	TBOnly      bool
	WithUI      bool
	UIPort      int
	UIHost      string

	// Home is the directory identity.key and models/ live under
	// (spec.md §6 "Persisted state"). Defaults to os.UserHomeDir() if empty.
	Home string

	// Seniority is this node's election seniority (spec.md §4.2). Ignored
	// when ForceMaster is set, which always uses election.ForcedMasterSeniority.
	Seniority int64
}
