package collections

func Foldl[T any, R any](fn func(acc R, next T) R, base R, list []T) R {
	for _, value := range list {
		base = fn(base, value)
	}

	return base
}

func Fmap[T any, R any](fn func(some T) R, list []T) []R {
	return Foldl(func(acc []R, next T) []R {
		return append(acc, fn(next))
	}, []R{}, list)
}

func Filter[T any](fn func(some T) bool, list []T) []T {
	return Foldl(func(acc []T, next T) []T {
		if fn(next) {
			acc = append(acc, next)
		}
		return acc
	}, []T{}, list)
}

func Contains[T comparable](list []T, item T) bool {
	for _, value := range list {
		if value == item {
			return true
		}
	}
	return false
}

func ToSet[T comparable](list []T) map[T]bool {
	return Foldl(func(acc map[T]bool, next T) map[T]bool {
		acc[next] = true
		return acc
	}, map[T]bool{}, list)
}

// Difference returns the items of list that are not in exclude, keeping the
// order of list.
func Difference[T comparable](list []T, exclude []T) []T {
	excluded := ToSet(exclude)
	return Filter(func(item T) bool {
		return !excluded[item]
	}, list)
}
