/*
Package indexctl is a tool for maintaining local mirrors of package-metadata
indexes.

indexctl keeps a queryable on-disk copy of a remote index archive so that
"which versions of package P exist?" never needs a network round trip.
Features include:
  - Git-based synchronization with shallow clones and tag verification
  - Conditional HTTP downloads using cached entity tags
  - Streaming version queries directly over the mirrored archive
  - Concurrent synchronization of multiple configured indexes

The main packages are:

	github.com/indexctl/indexctl/internal/index  - Sync strategies, handles, and the version scanner
	github.com/indexctl/indexctl/cmd/indexctl    - Command-line interface
*/
package indexctl
