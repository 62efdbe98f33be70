// Package process supervises a long-running child such as the local knxd.
//
// A Manager spawns the child in its own process group, restarts it with
// exponential backoff when it exits, and kills it when its health probe
// fails three times in a row. Stop sends SIGTERM to the group and SIGKILL
// after the grace period. Child stdout and stderr end up in the debug
// log, one record per line.
//
//	mgr := process.NewManager(process.DefaultConfig("knxd", "/usr/bin/knxd", args))
//	if err := mgr.Start(ctx); err != nil {
//	    return err
//	}
//	defer mgr.Stop()
package process
