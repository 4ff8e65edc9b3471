package testHelper

func GroupBy[T comparable, V any](elements []V, keySelector func(V) T) map[T][]V {
	destination := make(map[T][]V)
	for _, element := range elements {
		key := keySelector(element)
		destination[key] = append(destination[key], element)
	}

	return destination
}
