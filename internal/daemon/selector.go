package daemon

import (
	"github.com/docker/docker/api/types/filters"
)

// labelArgs builds label filters; the daemon ANDs multiple label values.
func labelArgs(labels map[string]string) filters.Args {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	return args
}

// nameArgs builds a name filter; the daemon ORs multiple name values and
// matches them as substrings, so callers must still compare names exactly.
func nameArgs(names []string) filters.Args {
	args := filters.NewArgs()
	for _, name := range names {
		args.Add("name", name)
	}
	return args
}

// collectBySelector runs listFn once per selector clause and merges the
// results by id, keeping only exact name matches for the name clause.
func collectBySelector[T any](sel Selector, listFn func(filters.Args) ([]T, error), idFn func(T) string, nameFn func(T) string) ([]T, error) {
	results := make([]T, 0)
	seen := make(map[string]struct{})

	if len(sel.Labels) == 0 && len(sel.Names) == 0 {
		items, err := listFn(filters.NewArgs())
		if err != nil {
			return nil, err
		}
		return appendUnique(results, items, seen, idFn), nil
	}

	if len(sel.Labels) > 0 {
		items, err := listFn(labelArgs(sel.Labels))
		if err != nil {
			return nil, err
		}
		results = appendUnique(results, items, seen, idFn)
	}

	if len(sel.Names) > 0 {
		items, err := listFn(nameArgs(sel.Names))
		if err != nil {
			return nil, err
		}
		wanted := make(map[string]struct{}, len(sel.Names))
		for _, name := range sel.Names {
			wanted[name] = struct{}{}
		}
		exact := make([]T, 0, len(items))
		for _, item := range items {
			if _, ok := wanted[nameFn(item)]; ok {
				exact = append(exact, item)
			}
		}
		results = appendUnique(results, exact, seen, idFn)
	}

	return results, nil
}

func appendUnique[T any](dst []T, items []T, seen map[string]struct{}, idFn func(T) string) []T {
	for _, item := range items {
		id := idFn(item)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		dst = append(dst, item)
	}
	return dst
}
