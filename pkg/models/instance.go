package models

import (
	"strconv"
	"strings"
)

// InstanceKey identifies one runtime-spawned parallel instance of a static
// graph node. The persisted map key form is "{templateId}_{index}"; code
// should carry the tagged type and only render the string at the storage
// boundary.
type InstanceKey struct {
	TemplateID string
	Index      int
}

func (k InstanceKey) String() string {
	return k.TemplateID + "_" + strconv.Itoa(k.Index)
}

// ParseInstanceKey splits a node-state key into template id and instance
// index. It returns false for keys without a trailing "_<digits>" suffix.
// Callers must still confirm the template id against the execution graph:
// a static node whose id happens to end in "_1" is not an instance.
func ParseInstanceKey(key string) (InstanceKey, bool) {
	idx := strings.LastIndex(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return InstanceKey{}, false
	}

	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n < 0 {
		return InstanceKey{}, false
	}

	return InstanceKey{TemplateID: key[:idx], Index: n}, true
}
