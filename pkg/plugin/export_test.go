package plugin

import "github.com/thepwagner/appcenter/pkg/worker"

// LongLane exposes the lane installs and repository changes run on.
func (p *Plugin) LongLane() *worker.Lane {
	return p.pool.Long
}
