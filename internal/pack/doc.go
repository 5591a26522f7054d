// Package pack downloads, verifies, and installs content packs.
//
// # Pipeline
//
// Each download moves through a fixed sequence of phases:
//
//  1. Preparing: resolve the platform variant and scratch directory
//  2. Downloading: HTTP transfer with byte-range resume
//  3. Verifying: SHA-256 digest of the downloaded archive
//  4. SignatureCheck: keyed-MAC signature of the archive, when present
//  5. Extracting: archive unpacked with the system tar or unzip tool
//  6. Installing: per-file safe-path check, move, and digest re-check
//  7. Cleanup: archive and scratch removal, reached only on success
//
// A failure in any phase stops the pipeline with that phase in the
// terminal snapshot; install is deliberately not transactional, so a
// failure mid-install leaves already-moved files in place for a later
// repair pass. A partially transferred archive survives under the
// content root's .downloads directory and seeds the next attempt's
// resume.
//
// # Usage
//
//	dl, err := pack.NewDownloader(pack.Config{
//	    ContentDir: contentDir,
//	    Crypto:     cryptoMgr,
//	})
//	if err != nil {
//	    return err
//	}
//
//	if err := dl.DownloadPack(ctx, &p, "linux-x64"); err != nil {
//	    return err
//	}
//
// Progress is published to the configured EventSink roughly four times a
// second during transfer and at every phase boundary.
package pack
