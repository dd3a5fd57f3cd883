package codec

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/bytebufferpool"
)

var bufferPool bytebufferpool.Pool

// EncodeQuotes builds a ["quotes", [symbols...]] frame.
func EncodeQuotes(symbols []string) ([]byte, error) {
	if symbols == nil {
		symbols = []string{}
	}
	return encode([]interface{}{TypeSubscribeQuotes, symbols})
}

// EncodePortfolioRequest builds a ["portfolio"] frame.
func EncodePortfolioRequest() ([]byte, error) {
	return encode([]interface{}{TypeRequestPortfolio})
}

func encode(frame []interface{}) ([]byte, error) {
	buf := bufferPool.Get()
	defer bufferPool.Put(buf)

	stream := jsoniter.NewStream(json, buf, 256)
	stream.WriteVal(frame)
	if err := stream.Flush(); err != nil {
		return nil, err
	}
	if stream.Error != nil {
		return nil, stream.Error
	}

	// The buffer returns to the pool, so hand out a copy.
	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}
