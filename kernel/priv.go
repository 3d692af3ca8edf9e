package kernel

import (
	"sync"

	"github.com/bayedieng/obliteration/abi"
)

// Privilege is a credential privilege number.
type Privilege int

const (
	PrivMaxFiles     Privilege = 3
	PrivProcSetLogin Privilege = 161
	PrivVfsAdmin     Privilege = 312
	PrivSce680       Privilege = 680
	PrivSce683       Privilege = 683
	PrivSce686       Privilege = 686
)

// Privileges is the set a process was granted.
type Privileges struct {
	mu      sync.RWMutex
	granted map[Privilege]bool
}

// DefaultPrivileges is what an ordinary application holds.
func DefaultPrivileges() *Privileges {
	return NewPrivileges(PrivMaxFiles, PrivSce680, PrivSce683, PrivSce686)
}

func NewPrivileges(granted ...Privilege) *Privileges {
	p := &Privileges{granted: make(map[Privilege]bool)}

	for _, priv := range granted {
		p.granted[priv] = true
	}

	return p
}

func (p *Privileges) Grant(priv Privilege) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.granted[priv] = true
}

// Check returns EPERM for anything not granted, unknown numbers included.
func (p *Privileges) Check(priv Privilege) abi.Errno {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.granted[priv] {
		return 0
	}

	return abi.EPERM
}

func (p *Privileges) clone() *Privileges {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c := &Privileges{granted: make(map[Privilege]bool, len(p.granted))}
	for priv, ok := range p.granted {
		c.granted[priv] = ok
	}

	return c
}

func (p *Process) Privileges() *Privileges {
	return p.privileges
}
