package decoder

import "io"

// ReadBytes reads exactly n bytes from r. A stream that ends early yields io.EOF.
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	result := make([]byte, n)
	readed := 0
	for readed < n {
		m, err := r.Read(result[readed:])
		readed += m
		if readed == n {
			break
		}
		if err != nil {
			if err == io.ErrUnexpectedEOF {
				err = io.EOF
			}
			return nil, err
		}
	}

	return result, nil
}
