package collector

import (
	"os/user"
	"strconv"
)

// names caches user and group lookups of the host.
type names struct {
	users       map[int32]string
	groups      map[int32]string
	lookupUser  func(id string) (string, error)
	lookupGroup func(id string) (string, error)
}

func newNames() *names {
	return &names{
		users:  make(map[int32]string),
		groups: make(map[int32]string),
		lookupUser: func(id string) (string, error) {
			u, err := user.LookupId(id)
			if err != nil {
				return "", err
			}

			return u.Username, nil
		},
		lookupGroup: func(id string) (string, error) {
			g, err := user.LookupGroupId(id)
			if err != nil {
				return "", err
			}

			return g.Name, nil
		},
	}
}

func (n *names) user(uid int32) string {
	return resolve(n.users, uid, n.lookupUser)
}

func (n *names) group(gid int32) string {
	return resolve(n.groups, gid, n.lookupGroup)
}

// resolve caches misses as empty names, container ids are often unknown
// to the host.
func resolve(cache map[int32]string, id int32, lookup func(string) (string, error)) string {
	if name, ok := cache[id]; ok {
		return name
	}

	name, err := lookup(strconv.FormatInt(int64(id), 10))
	if err != nil {
		name = ""
	}

	cache[id] = name

	return name
}
