// Command kcore boots the kernel and runs one program as init.
//
// Usage:
//
//	kcore [-config kcore.yaml] [-program init] [-debug 127.0.0.1:9100] [-linger]
//	kcore -list
//
// Without -config the settings come from KCORE_* environment variables. The
// process exits 0 when the kernel halts or drains, 3 on a kernel panic and
// 130 when interrupted.
package main
