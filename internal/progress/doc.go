// Package progress reports the progress of a download run.
//
// Output goes to stderr so it never mixes with command output:
//
//	[dfpp] Fetching 120 sources | Chunk size: 50
//	[dfpp] Sources: 73/120 done | 50 running | 412.3 MiB downloaded
//	[dfpp] Done in 4m 12s | 111 downloaded | 4 failed | 2 timed out | 3 skipped | 1.2 GiB
package progress
