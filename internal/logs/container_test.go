package logs

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/narvanalabs/botpanel/internal/models"
)

func TestContainer_EvictsOldest(t *testing.T) {
	c := NewContainer(3)
	for i := 0; i < 5; i++ {
		c.Add(models.LogLine{Message: fmt.Sprint(i)})
	}

	assert.Equal(t, 3, c.Len())
	all := c.GetAll()
	assert.Equal(t, "2", all[0].Message)
	assert.Equal(t, "4", all[2].Message)

	last := c.GetLast(2)
	assert.Equal(t, []string{"3", "4"}, []string{last[0].Message, last[1].Message})
	assert.Len(t, c.GetLast(10), 3)
	assert.Nil(t, c.GetLast(0))
}

func TestContainer_Defaults(t *testing.T) {
	c := NewContainer(0)
	assert.Equal(t, DefaultMaxLines, c.MaxLines())
	assert.Nil(t, c.GetLast(1))
}
